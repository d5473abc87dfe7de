// datagen floods a source topic with fake click rows for manual
// end-to-end runs against a local stack.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/twmb/franz-go/pkg/kgo"
)

type clickEvent struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	Page      string    `json:"page"`
	Country   string    `json:"country"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma separated broker list")
	topic := flag.String("topic", "src", "destination topic")
	count := flag.Int("count", 100, "rows to produce")
	flag.Parse()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(*brokers, ",")...),
		kgo.DefaultProduceTopic(*topic),
	)
	if err != nil {
		log.Fatalf("new kafka client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	for i := 0; i < *count; i++ {
		row := clickEvent{
			EventID:   gofakeit.UUID(),
			UserID:    gofakeit.Username(),
			Page:      gofakeit.URL(),
			Country:   gofakeit.CountryAbr(),
			Amount:    gofakeit.Price(1, 500),
			CreatedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(row)
		if err != nil {
			log.Fatalf("marshal row: %v", err)
		}
		rec := &kgo.Record{Key: []byte(row.UserID), Value: raw}
		if err := client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			log.Fatalf("produce: %v", err)
		}
	}
	log.Printf("produced %d rows to %s", *count, *topic)
}
