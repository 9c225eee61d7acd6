//go:build ignore

// verify_field_naming inserts one document of each stored kind into a
// scratch database and checks that the short field names the indexes rely
// on are the ones that reach MongoDB.
//
//	MONGO_URI=mongodb://127.0.0.1:27017 go run scripts/verification/verify_field_naming.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/message"
	"github.com/real-rm/supportdesk/internal/storage"
)

const dbName = "support_field_naming"

type check struct {
	collection string
	id         interface{}
	doc        interface{}
	want       []string
	stale      []string
}

func main() {
	fmt.Println("=== MongoDB Field Naming Verification ===")

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://127.0.0.1:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Ping(ctx, nil); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}
	fmt.Println("✓ Connected to MongoDB")

	db := client.Database(dbName)
	if err := db.Drop(ctx); err != nil {
		log.Fatalf("Failed to drop scratch database: %v", err)
	}

	now := time.Now().UTC()
	readAt := now
	checks := []check{
		{
			collection: constants.CollConversations,
			id:         "conv-1",
			doc: storage.ConversationDocument{
				ID: "conv-1", VisitorName: "Deniz", ClientIP: "203.0.113.9", UserAgent: "curl",
				Status: "active", CreatedAt: now, LastActivity: now, MessageCount: 1,
			},
			want: []string{
				constants.MongoFieldVisitorName, constants.MongoFieldClientIP, constants.MongoFieldUserAgent,
				constants.MongoFieldStatus, constants.MongoFieldCreatedAt, constants.MongoFieldLastActivity,
				constants.MongoFieldMessageCount,
			},
			stale: []string{"visitor_name", "status", "created_at", "last_activity"},
		},
		{
			collection: constants.CollMessages,
			id:         "msg-1",
			doc: storage.MessageDocument{
				ID: "msg-1", ConversationID: "conv-1", Sender: "admin", Content: "hello",
				CreatedAt: now, Date: 20260101, Via: constants.ViaHTTP, ReadAt: &readAt,
				Attachment: &message.Attachment{Type: "image", URL: "https://files.acme.io/a.png", Mime: "image/png"},
			},
			want: []string{
				constants.MongoFieldConversationID, constants.MongoFieldSender, constants.MongoFieldContent,
				constants.MongoFieldCreatedAt, constants.MongoFieldDate, constants.MongoFieldVia,
				constants.MongoFieldReadAt, constants.MongoFieldAttachment,
			},
			stale: []string{"conversation_id", "created_at", "read_at"},
		},
	}

	failed := false
	for _, c := range checks {
		coll := db.Collection(c.collection)
		if _, err := coll.InsertOne(ctx, c.doc); err != nil {
			log.Fatalf("Failed to insert into %s: %v", c.collection, err)
		}

		var raw bson.M
		if err := coll.FindOne(ctx, bson.M{constants.MongoFieldID: c.id}).Decode(&raw); err != nil {
			log.Fatalf("Failed to read back from %s: %v", c.collection, err)
		}

		fmt.Printf("\n%s:\n", c.collection)
		for _, field := range c.want {
			if _, ok := raw[field]; ok {
				fmt.Printf("✓ Field '%s' exists\n", field)
			} else {
				fmt.Printf("✗ Field '%s' not found\n", field)
				failed = true
			}
		}
		for _, field := range c.stale {
			if _, ok := raw[field]; ok {
				fmt.Printf("✗ Long field name '%s' present\n", field)
				failed = true
			}
		}
	}

	// the statistics and history queries sort on these
	cursor, err := db.Collection(constants.CollMessages).Find(ctx,
		bson.M{constants.MongoFieldConversationID: "conv-1"},
		options.Find().SetSort(bson.D{{Key: constants.MongoFieldCreatedAt, Value: 1}, {Key: constants.MongoFieldID, Value: 1}}))
	if err != nil {
		log.Fatalf("Failed to query messages by conversation: %v", err)
	}
	var msgs []storage.MessageDocument
	if err := cursor.All(ctx, &msgs); err != nil {
		log.Fatalf("Failed to decode messages: %v", err)
	}
	fmt.Printf("\n✓ History query returned %d message(s)\n", len(msgs))

	if err := db.Drop(ctx); err != nil {
		fmt.Printf("warning: failed to drop scratch database: %v\n", err)
	}

	if failed {
		fmt.Println("\n✗ Some field names are incorrect")
		os.Exit(1)
	}
	fmt.Println("\n✓ All field names are correct")
}
