package match

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facequeue/internal/index"
	"github.com/andresmejia3/facequeue/internal/types"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const labelKey = "label"

// candidates fetched per search so exact ties can be resolved by index order.
const qdrantCandidates = 8

// Qdrant delegates nearest-neighbour search to a Qdrant collection whose
// point ids are the entries' positions in the source index.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

func NewQdrant(host string, port int, collection string) (*Qdrant, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

func (q *Qdrant) Match(ctx context.Context, query types.Embedding) (Result, error) {
	if err := checkFinite(query); err != nil {
		return Result{}, err
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Limit:          qdrantCandidates,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("qdrant search %s: %w", q.collection, err)
	}
	if len(resp.Result) == 0 {
		return Result{}, fmt.Errorf("qdrant collection %s is empty", q.collection)
	}

	// Euclid scores are distances, ascending.
	best := resp.Result[0]
	for _, pt := range resp.Result[1:] {
		if pt.Score > best.Score {
			break
		}
		if pt.Id.GetNum() < best.Id.GetNum() {
			best = pt
		}
	}
	return Result{
		Label:    best.Payload[labelKey].GetStringValue(),
		Distance: best.Score,
	}, nil
}

// EnsureCollection creates the collection for dim-length vectors under
// Euclidean distance. An existing collection is left untouched.
func (q *Qdrant) EnsureCollection(ctx context.Context, dim int) error {
	_, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(dim),
			Distance: pb.Distance_Euclid,
		}}},
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("qdrant create collection %s: %w", q.collection, err)
	}
	return nil
}

// Upsert writes every index entry as a point keyed by its position.
func (q *Qdrant) Upsert(ctx context.Context, ix *index.Index) error {
	points := make([]*pb.PointStruct, ix.Len())
	for i := 0; i < ix.Len(); i++ {
		e := ix.At(i)
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(i)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Embedding}}},
			Payload: map[string]*pb.Value{
				labelKey: {Kind: &pb.Value_StringValue{StringValue: e.Label}},
			},
		}
	}
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", q.collection, err)
	}
	return nil
}

// Ready reports whether the collection exists and holds points.
func (q *Qdrant) Ready(ctx context.Context) error {
	resp, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("qdrant collection %s: %w", q.collection, err)
	}
	if resp.GetResult().GetPointsCount() == 0 {
		return fmt.Errorf("qdrant collection %s is empty", q.collection)
	}
	return nil
}

func (q *Qdrant) Close() error {
	return q.conn.Close()
}

var (
	_ Matcher = (*Linear)(nil)
	_ Matcher = (*Qdrant)(nil)
	_ Checker = (*Linear)(nil)
	_ Checker = (*Qdrant)(nil)
)
