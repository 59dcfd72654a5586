package datasource

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

// mongoQuery is the extended-JSON shape of a document template pattern:
//
//	{"collection": "orders", "filter": {"customer_id": {{customer_id}}}, "limit": 20}
type mongoQuery struct {
	Collection string `bson:"collection"`
	Filter     bson.M `bson:"filter"`
	Projection bson.M `bson:"projection"`
	Sort       bson.D `bson:"sort"`
	Limit      int64  `bson:"limit"`
}

type MongoDriver struct {
	client   *mongo.Client
	database *mongo.Database
}

func OpenMongo(ctx context.Context, spec Spec) (Driver, error) {
	uri := spec.Param("uri", "mongodb://localhost:27017")
	dbName := spec.Param("database", "")
	if dbName == "" {
		return nil, fmt.Errorf("mongodb datasource requires a database parameter")
	}

	clientOpts := options.Client().ApplyURI(uri).SetAppName("orbit-gateway")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &MongoDriver{client: client, database: client.Database(dbName)}, nil
}

func (d *MongoDriver) Kind() string { return KindMongoDB }

func (d *MongoDriver) Execute(ctx context.Context, q BoundQuery) (*ResultSet, error) {
	mq, err := decodeMongoQuery(q)
	if err != nil {
		return nil, errs.Permanent(KindMongoDB, err)
	}

	opts := options.Find()
	if mq.Limit > 0 {
		opts.SetLimit(mq.Limit)
	} else {
		opts.SetLimit(defaultMaxRows)
	}
	if mq.Projection != nil {
		opts.SetProjection(mq.Projection)
	}
	if mq.Sort != nil {
		opts.SetSort(mq.Sort)
	}

	start := time.Now()
	cursor, err := d.database.Collection(mq.Collection).Find(ctx, mq.Filter, opts)
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err)
	}

	rows := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		row := make(map[string]any, len(doc))
		for k, v := range doc {
			row[k] = plainValue(v)
		}
		rows = append(rows, row)
	}

	return &ResultSet{Columns: columnsOf(rows), Rows: rows, Source: KindMongoDB, Duration: time.Since(start)}, nil
}

// decodeMongoQuery renders q with JSON-escaped values and parses the result
// as extended JSON.
func decodeMongoQuery(q BoundQuery) (mongoQuery, error) {
	var mq mongoQuery
	rendered, err := q.Inline(jsonValue)
	if err != nil {
		return mq, err
	}
	if err := bson.UnmarshalExtJSON([]byte(rendered), false, &mq); err != nil {
		return mq, fmt.Errorf("decode document query: %w", err)
	}
	if mq.Collection == "" {
		return mq, fmt.Errorf("document query needs a collection")
	}
	if mq.Filter == nil {
		mq.Filter = bson.M{}
	}
	return mq, nil
}

func (d *MongoDriver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

func (d *MongoDriver) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

func plainValue(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339)
	case bson.M:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = plainValue(inner)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = plainValue(inner)
		}
		return out
	}
	return v
}

func classifyMongo(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return errs.Transient(KindMongoDB, err)
	}
	return classify(KindMongoDB, err)
}
