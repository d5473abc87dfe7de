package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FileIO stores sealed file bytes under a relative name and renders
// the absolute location recorded in file descriptors.
type FileIO interface {
	Write(ctx context.Context, name string, data []byte) error
	Location(name string) string
}

// LocalFileIO writes files under a root directory. Development and
// test backend.
type LocalFileIO struct {
	Root string
}

func (l LocalFileIO) Write(ctx context.Context, name string, data []byte) error {
	path := filepath.Join(l.Root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (l LocalFileIO) Location(name string) string {
	return filepath.Join(l.Root, filepath.FromSlash(name))
}

// S3 is the slice of the S3 API the sink uses.
type S3 interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3FileIO writes each sealed file as one object.
type S3FileIO struct {
	Client S3
	Bucket string
	Prefix string
}

func (s S3FileIO) Write(ctx context.Context, name string, data []byte) error {
	key := s.key(name)
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

func (s S3FileIO) Location(name string) string {
	return fmt.Sprintf("s3://%s/%s", s.Bucket, s.key(name))
}

func (s S3FileIO) key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return strings.TrimRight(s.Prefix, "/") + "/" + name
}
