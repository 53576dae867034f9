// Package search maintains a full-text index over message events and
// answers searchMessages queries. It consumes the engine's event feed; it
// never touches engine state directly.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/blugelabs/bluge"

	"roomchat/domain"
)

// Query is the decoded shape of a search call, decoupled from the index
// engine's own request types.
type Query struct {
	Terms string
	Room  string
	Limit int
}

// Hit is one matching message event.
type Hit struct {
	Room    string `json:"room"`
	ID      int64  `json:"id"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// Index wraps a bluge writer over the message log. Join and leave events
// are not indexed; only message text is searchable.
type Index struct {
	writer *bluge.Writer
	log    *slog.Logger
}

// Open creates or reopens the index at path.
func Open(path string, log *slog.Logger) (*Index, error) {
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(path))
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	return &Index{writer: writer, log: log}, nil
}

func (i *Index) Close() error {
	return i.writer.Close()
}

// Consume indexes a message event. The global event id is the document
// id, so re-indexing after a replayed snapshot load is an overwrite, not
// a duplicate.
func (i *Index) Consume(event domain.LoggedEvent) {
	if event.Event.Type != domain.EventMessage {
		return
	}
	doc := bluge.NewDocument(strconv.FormatInt(event.Event.ID, 10)).
		AddField(bluge.NewTextField("message", event.Event.Message).StoreValue()).
		AddField(bluge.NewKeywordField("room", event.Room).StoreValue()).
		AddField(bluge.NewKeywordField("sender", event.Event.Sender).StoreValue())
	if err := i.writer.Update(doc.ID(), doc); err != nil {
		i.log.Error("Indexing message failed", "id", event.Event.ID, "err", err)
	}
}

// Search returns up to query.Limit message events matching the terms,
// optionally restricted to one room.
func (i *Index) Search(ctx context.Context, query Query) ([]Hit, error) {
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("search reader: %w", err)
	}
	defer reader.Close()

	match := bluge.NewMatchQuery(query.Terms).SetField("message")
	var blugeQuery bluge.Query = match
	if query.Room != "" {
		blugeQuery = bluge.NewBooleanQuery().
			AddMust(match).
			AddMust(bluge.NewTermQuery(query.Room).SetField("room"))
	}

	iterator, err := reader.Search(ctx, bluge.NewTopNSearch(query.Limit, blugeQuery))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []Hit
	for {
		next, err := iterator.Next()
		if err != nil {
			return nil, fmt.Errorf("search iteration: %w", err)
		}
		if next == nil {
			break
		}

		var hit Hit
		err = next.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "_id":
				hit.ID, _ = strconv.ParseInt(string(value), 10, 64)
			case "room":
				hit.Room = string(value)
			case "sender":
				hit.Sender = string(value)
			case "message":
				hit.Message = string(value)
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("search stored fields: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
