package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepchain/pkg/api"
)

// Default collection names used by MongoStore.
const (
	MongoExecutionsCollection = "executions"
	MongoEventsCollection     = "execution_events"
)

// MongoStore keeps executions and events in two MongoDB collections.
type MongoStore struct {
	executions *mongo.Collection
	events     *mongo.Collection
}

var (
	_ ExecutionStore = (*MongoStore)(nil)
	_ EventStore     = (*MongoStore)(nil)
)

type mongoExecutionDoc struct {
	ID           string `bson:"_id"`
	WorkflowID   string `bson:"workflow_id"`
	WorkflowName string `bson:"workflow_name"`
	Status       string `bson:"status"`
	CurrentStep  int    `bson:"current_step"`
	// Times are kept as unix nanoseconds; BSON dates stop at milliseconds.
	StartAt     int64  `bson:"start_at"`
	EndAt       int64  `bson:"end_at"`
	Input       []byte `bson:"input,omitempty"`
	Result      []byte `bson:"result,omitempty"`
	Error       string `bson:"error,omitempty"`
	Suspension  []byte `bson:"suspension,omitempty"`
	UserContext []byte `bson:"user_context,omitempty"`
}

type mongoEventDoc struct {
	ExecutionID string `bson:"execution_id"`
	Seq         int64  `bson:"seq"`
	EventID     string `bson:"event_id"`
	Type        string `bson:"type"`
	StepID      string `bson:"step_id,omitempty"`
	Body        []byte `bson:"body"`
}

// NewMongoStore creates the indexes it needs in db and returns a store.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		executions: db.Collection(MongoExecutionsCollection),
		events:     db.Collection(MongoEventsCollection),
	}

	_, err := s.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "status", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create execution index: %w", err)
	}
	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create event index: %w", err)
	}
	return s, nil
}

func toMongoDoc(exec *api.Execution) (mongoExecutionDoc, error) {
	rec, err := toRecord(exec)
	if err != nil {
		return mongoExecutionDoc{}, err
	}
	return mongoExecutionDoc{
		ID:           rec.ID,
		WorkflowID:   rec.WorkflowID,
		WorkflowName: rec.WorkflowName,
		Status:       rec.Status,
		CurrentStep:  rec.CurrentStep,
		StartAt:      unixNano(rec.StartAt),
		EndAt:        unixNano(rec.EndAt),
		Input:        rec.Input,
		Result:       rec.Result,
		Error:        rec.Error,
		Suspension:   rec.Suspension,
		UserContext:  rec.UserContext,
	}, nil
}

func fromMongoDoc(doc mongoExecutionDoc) (*api.Execution, error) {
	return fromRecord(executionRecord{
		ID:           doc.ID,
		WorkflowID:   doc.WorkflowID,
		WorkflowName: doc.WorkflowName,
		Status:       doc.Status,
		CurrentStep:  doc.CurrentStep,
		StartAt:      fromUnixNano(doc.StartAt),
		EndAt:        fromUnixNano(doc.EndAt),
		Input:        doc.Input,
		Result:       doc.Result,
		Error:        doc.Error,
		Suspension:   doc.Suspension,
		UserContext:  doc.UserContext,
	})
}

func (s *MongoStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	doc, err := toMongoDoc(exec)
	if err != nil {
		return err
	}
	_, err = s.executions.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrExecutionExists
	}
	return err
}

func (s *MongoStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	return s.replace(ctx, exec, "")
}

func (s *MongoStore) TransitionExecution(ctx context.Context, exec *api.Execution, from api.Status) error {
	return s.replace(ctx, exec, from)
}

func (s *MongoStore) replace(ctx context.Context, exec *api.Execution, from api.Status) error {
	doc, err := toMongoDoc(exec)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": exec.ID}
	if from != "" {
		filter["status"] = string(from)
	}
	res, err := s.executions.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if from == "" {
		return ErrExecutionNotFound
	}

	n, err := s.executions.CountDocuments(ctx, bson.M{"_id": exec.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	return ErrStatusConflict
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var doc mongoExecutionDoc
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromMongoDoc(doc)
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "start_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.executions.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var executions []*api.Execution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := fromMongoDoc(doc)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, cur.Err()
}

// AppendEvent numbers events per execution. A concurrent append that takes
// the same number hits the unique index and is retried.
func (s *MongoStore) AppendEvent(ctx context.Context, ev api.Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	for {
		seq, err := s.events.CountDocuments(ctx, bson.M{"execution_id": ev.ExecutionID})
		if err != nil {
			return err
		}
		_, err = s.events.InsertOne(ctx, mongoEventDoc{
			ExecutionID: ev.ExecutionID,
			Seq:         seq,
			EventID:     ev.ID,
			Type:        string(ev.Type),
			StepID:      ev.StepID,
			Body:        body,
		})
		if !mongo.IsDuplicateKeyError(err) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *MongoStore) ListEvents(ctx context.Context, executionID string) ([]api.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"execution_id": executionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}
