package artifact

// MongoDB backed metadata source. Records follow the MLHub meta-data layout:
// one document per model keyed by "model" with free-form "meta_data".

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// Record represents a model meta-data record in MongoDB.
type Record struct {
	Model       string                 `bson:"model" json:"model"`             // model name
	Type        string                 `bson:"type" json:"type"`               // model type, e.g. classification
	Version     string                 `bson:"version" json:"version"`         // model version
	Description string                 `bson:"description" json:"description"` // model description
	MetaData    map[string]interface{} `bson:"meta_data" json:"meta_data"`     // metadata document
}

// MongoMetadata looks up the metadata record of a model by its artifact stem.
// Models without a record fall back to Fallback when it is set.
type MongoMetadata struct {
	session  *mgo.Session
	db, coll string
	Fallback MetadataSource
}

func NewMongoMetadata(uri, db, coll string, fallback MetadataSource) (*MongoMetadata, error) {
	s, err := mgo.DialWithTimeout(uri, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MongoDB: %w", err)
	}
	s.SetMode(mgo.Strong, true)
	return &MongoMetadata{session: s, db: db, coll: coll, Fallback: fallback}, nil
}

func (m *MongoMetadata) Metadata(ctx context.Context, artifactPath string) ([]byte, error) {
	name := Stem(artifactPath)
	rec, err := m.find(ctx, name)
	if errors.Is(err, mgo.ErrNotFound) {
		if m.Fallback != nil {
			return m.Fallback.Metadata(ctx, artifactPath)
		}
		return nil, notFound(name, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("mongo lookup of %s failed: %w", name, err)
	}

	doc := make(map[string]interface{}, len(rec.MetaData)+2)
	for k, v := range rec.MetaData {
		doc[k] = v
	}
	if _, ok := doc["model_name"]; !ok {
		doc["model_name"] = rec.Model
	}
	if _, ok := doc["model_type"]; !ok && rec.Type != "" {
		doc["model_type"] = rec.Type
	}
	return json.Marshal(doc)
}

// Upsert stores rec keyed by its model name.
func (m *MongoMetadata) Upsert(rec Record) error {
	if rec.Model == "" {
		return errors.New("record has no model name")
	}
	s := m.session.Clone()
	defer s.Close()
	_, err := s.DB(m.db).C(m.coll).Upsert(bson.M{"model": rec.Model}, &rec)
	return err
}

// Remove deletes all records for the given model.
func (m *MongoMetadata) Remove(model string) error {
	s := m.session.Clone()
	defer s.Close()
	_, err := s.DB(m.db).C(m.coll).RemoveAll(bson.M{"model": model})
	return err
}

func (m *MongoMetadata) Close() {
	m.session.Close()
}

// mgo has no context support; the lookup runs in its own goroutine so the
// caller can give up on ctx.
func (m *MongoMetadata) find(ctx context.Context, model string) (Record, error) {
	type result struct {
		rec Record
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s := m.session.Clone()
		defer s.Close()
		var rec Record
		err := s.DB(m.db).C(m.coll).Find(bson.M{"model": model}).Sort("-version").One(&rec)
		ch <- result{rec, err}
	}()
	select {
	case r := <-ch:
		return r.rec, r.err
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}
