package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/wattsync/wattsync/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Each series is a document under "series" holding its metadata,
// with one document per point in its "points" subcollection keyed by the
// RFC3339 timestamp for efficient range queries and timestamp idempotence.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) pointsCollection(seriesID string) (*firestore.CollectionRef, error) {
	if seriesID == "" {
		return nil, fmt.Errorf("seriesID cannot be empty")
	}
	return f.client.Collection("series").Doc(seriesID).Collection("points"), nil
}

type firestorePoint struct {
	TS    time.Time `firestore:"ts"`
	Value float64   `firestore:"value"`
	Sum   *float64  `firestore:"sum"`
}

// GetLastPoints returns up to maxCount of the newest points for the series,
// newest first.
func (f *FirestoreProvider) GetLastPoints(ctx context.Context, seriesID string, maxCount int) ([]types.StatisticPoint, error) {
	coll, err := f.pointsCollection(seriesID)
	if err != nil {
		return nil, err
	}

	iter := coll.OrderBy("ts", firestore.Desc).Limit(maxCount).Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to iterate points: %w", err)
		}

		var fp firestorePoint
		if err := doc.DataTo(&fp); err != nil {
			return nil, fmt.Errorf("failed to decode point %s: %w", doc.Ref.ID, err)
		}
		points = append(points, types.StatisticPoint{
			TSStart: fp.TS.UTC(),
			Value:   fp.Value,
			Sum:     fp.Sum,
		})
	}
	return points, nil
}

// AppendPoints upserts the series metadata document and one document per
// point. The document ID is the RFC3339 timestamp so re-appending a point
// overwrites the previous one.
func (f *FirestoreProvider) AppendPoints(ctx context.Context, meta types.SeriesMetadata, points []types.StatisticPoint) error {
	if meta.ID == "" {
		return fmt.Errorf("series metadata missing id")
	}

	seriesDoc := f.client.Collection("series").Doc(meta.ID)
	if _, err := seriesDoc.Set(ctx, map[string]interface{}{
		"name":    meta.Name,
		"unit":    meta.Unit,
		"hasSum":  meta.HasSum,
		"hasMean": meta.HasMean,
	}); err != nil {
		return fmt.Errorf("failed to save series metadata: %w", err)
	}

	coll := seriesDoc.Collection("points")
	for _, p := range points {
		ts := p.TSStart.UTC()
		if _, err := coll.Doc(ts.Format(time.RFC3339)).Set(ctx, firestorePoint{
			TS:    ts,
			Value: p.Value,
			Sum:   p.Sum,
		}); err != nil {
			return fmt.Errorf("failed to save point at %s: %w", ts, err)
		}
	}
	return nil
}
