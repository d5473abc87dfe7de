package writer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestLocalFileIOCreatesNestedDirectories(t *testing.T) {
	root := t.TempDir()
	l := LocalFileIO{Root: root}

	err := l.Write(context.Background(), "db.a/2023-11-02/f.avro", []byte("xyz"))

	assert.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "db.a", "2023-11-02", "f.avro"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("xyz"), data)
	assert.Equal(t, filepath.Join(root, "db.a", "2023-11-02", "f.avro"), l.Location("db.a/2023-11-02/f.avro"))
}

func TestS3FileIOPutsOneObjectPerFile(t *testing.T) {
	client := &mockS3{}
	var putKey string
	var putBody []byte
	client.On("PutObject", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			input := args.Get(1).(*s3.PutObjectInput)
			putKey = *input.Key
			putBody, _ = io.ReadAll(input.Body)
		}).
		Return(&s3.PutObjectOutput{}, nil)
	fio := S3FileIO{Client: client, Bucket: "lake", Prefix: "warehouse"}

	err := fio.Write(context.Background(), "db.a/2023-11-02/f.avro", []byte("xyz"))

	assert.NoError(t, err)
	assert.Equal(t, "warehouse/db.a/2023-11-02/f.avro", putKey)
	assert.Equal(t, []byte("xyz"), putBody)
	assert.Equal(t, "s3://lake/warehouse/db.a/2023-11-02/f.avro", fio.Location("db.a/2023-11-02/f.avro"))
}

func TestS3FileIOWithoutPrefix(t *testing.T) {
	fio := S3FileIO{Bucket: "lake"}

	assert.Equal(t, "s3://lake/f.avro", fio.Location("f.avro"))
}

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params, optFns)
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}
