package kvstore

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DatasetSink is the optional append-only sink described in spec §6.1:
// items the crawler extracts are pushed here, independent of the
// checkpoint/session kvstore above.
type DatasetSink interface {
	PushData(ctx context.Context, items []map[string]any) error
	Close() error
	Name() string
}

// --- JSON array sink ---

// JSONFileSink buffers items in memory and writes a single JSON array on
// Close, mirroring the teacher's JSONStorage.
type JSONFileSink struct {
	path   string
	mu     sync.Mutex
	items  []map[string]any
	logger *slog.Logger
}

func NewJSONFileSink(outputPath string, logger *slog.Logger) (*JSONFileSink, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &JSONFileSink{path: outputPath, logger: logger.With("component", "json_sink")}, nil
}

func (s *JSONFileSink) Name() string { return "json" }

func (s *JSONFileSink) PushData(ctx context.Context, items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	return nil
}

func (s *JSONFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.items); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	s.logger.Info("JSON dataset written", "path", s.path, "items", len(s.items))
	return nil
}

// --- JSON Lines sink ---

// JSONLFileSink streams one JSON object per line.
type JSONLFileSink struct {
	path   string
	file   *os.File
	enc    *json.Encoder
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

func NewJSONLFileSink(outputPath string, logger *slog.Logger) (*JSONLFileSink, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &JSONLFileSink{path: outputPath, file: f, enc: json.NewEncoder(f), logger: logger.With("component", "jsonl_sink")}, nil
}

func (s *JSONLFileSink) Name() string { return "jsonl" }

func (s *JSONLFileSink) PushData(ctx context.Context, items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if err := s.enc.Encode(item); err != nil {
			return fmt.Errorf("encode JSONL: %w", err)
		}
		s.count++
	}
	return nil
}

func (s *JSONLFileSink) Close() error {
	s.logger.Info("JSONL dataset written", "path", s.path, "items", s.count)
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// --- CSV sink ---

// CSVFileSink flattens items to rows, taking the header from the first
// item seen.
type CSVFileSink struct {
	path    string
	file    *os.File
	writer  *csv.Writer
	headers []string
	mu      sync.Mutex
	count   int
	logger  *slog.Logger
}

func NewCSVFileSink(outputPath string, logger *slog.Logger) (*CSVFileSink, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &CSVFileSink{path: outputPath, file: f, writer: csv.NewWriter(f), logger: logger.With("component", "csv_sink")}, nil
}

func (s *CSVFileSink) Name() string { return "csv" }

func (s *CSVFileSink) PushData(ctx context.Context, items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if s.headers == nil {
			s.headers = make([]string, 0, len(item))
			for k := range item {
				s.headers = append(s.headers, k)
			}
			sort.Strings(s.headers)
			if err := s.writer.Write(s.headers); err != nil {
				return fmt.Errorf("write CSV header: %w", err)
			}
		}
		row := make([]string, len(s.headers))
		for i, h := range s.headers {
			row[i] = fmt.Sprintf("%v", item[h])
		}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
		s.count++
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *CSVFileSink) Close() error {
	s.logger.Info("CSV dataset written", "path", s.path, "items", s.count)
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// --- MongoDB sink ---

// MongoSink fans items out to a MongoDB collection, adapted from the
// teacher's MongoStorage.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int
	logger     *slog.Logger
}

func NewMongoSink(uri, database, collection string, logger *slog.Logger) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &MongoSink{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_sink"),
	}, nil
}

func (s *MongoSink) Name() string { return "mongodb" }

func (s *MongoSink) PushData(ctx context.Context, items []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]any, len(items))
	for i, item := range items {
		docs[i] = item
	}

	insertCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.collection.InsertMany(insertCtx, docs); err != nil {
		return fmt.Errorf("mongodb insert: %w", err)
	}
	s.count += len(items)
	return nil
}

func (s *MongoSink) Close() error {
	s.logger.Info("mongodb sink closing", "total_items", s.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
