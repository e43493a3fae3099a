package connections

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/store"
)

type fakeRows struct {
	rows []store.ConnectionRow
	err  error
}

func (f *fakeRows) ConnectionRows(_ context.Context, _, _ string) ([]store.ConnectionRow, error) {
	return f.rows, f.err
}

var (
	c1 = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	c2 = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func TestQuery_GroupsByCluster(t *testing.T) {
	svc := New(&fakeRows{rows: []store.ConnectionRow{
		{ClusterID: c1, UserID: "target", Distance: 0.0, MessageCount: 3},
		{ClusterID: c1, UserID: "user-b", Distance: 0.2, MessageCount: 2},
		{ClusterID: c1, UserID: "user-c", Distance: 1.0, MessageCount: 1},
		{ClusterID: c2, UserID: "target", Distance: 0.0, MessageCount: 1},
		{ClusterID: c2, UserID: "user-d", Distance: 0.2, MessageCount: 4},
	}})

	resp, err := svc.Query(context.Background(), "org-test", "target")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if resp.OrgID != "org-test" || resp.UserID != "target" {
		t.Fatalf("identity wrong: %+v", resp)
	}
	if len(resp.Centroids) != 2 {
		t.Fatalf("centroids = %d, want 2", len(resp.Centroids))
	}

	first := resp.Centroids[0]
	if first.ClusterID != c1 || len(first.Users) != 3 {
		t.Fatalf("first cluster wrong: %+v", first)
	}
	if first.Users[0].UserID != "target" || first.Users[0].Distance != 0.0 {
		t.Fatalf("target not first at distance 0: %+v", first.Users[0])
	}
	if first.Users[1].UserID != "user-b" || first.Users[2].UserID != "user-c" {
		t.Fatalf("ranking order lost: %+v", first.Users)
	}

	second := resp.Centroids[1]
	if second.ClusterID != c2 || len(second.Users) != 2 {
		t.Fatalf("second cluster wrong: %+v", second)
	}
	if second.Users[1].UserID != "user-d" || second.Users[1].MessageCount != 4 {
		t.Fatalf("user-d row wrong: %+v", second.Users[1])
	}
}

func TestQuery_DistancesNonDecreasingWithinCluster(t *testing.T) {
	svc := New(&fakeRows{rows: []store.ConnectionRow{
		{ClusterID: c1, UserID: "target", Distance: 0.0},
		{ClusterID: c1, UserID: "a", Distance: 0.1},
		{ClusterID: c1, UserID: "b", Distance: 0.1},
		{ClusterID: c1, UserID: "c", Distance: 0.7},
	}})

	resp, err := svc.Query(context.Background(), "org", "target")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	users := resp.Centroids[0].Users
	for i := 1; i < len(users); i++ {
		if users[i].Distance < users[i-1].Distance {
			t.Fatalf("distances decrease at %d: %+v", i, users)
		}
		// Tie order is user_id ascending, as produced by the store.
		if users[i].Distance == users[i-1].Distance && users[i].UserID < users[i-1].UserID {
			t.Fatalf("tie order wrong at %d: %+v", i, users)
		}
	}
}

func TestQuery_EmptyIsEmptyArrayNotNull(t *testing.T) {
	svc := New(&fakeRows{})
	resp, err := svc.Query(context.Background(), "org", "nobody")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	data, _ := json.Marshal(resp)
	var decoded map[string]any
	json.Unmarshal(data, &decoded)
	arr, ok := decoded["centroids"].([]any)
	if !ok {
		t.Fatalf("centroids is not an array: %s", data)
	}
	if len(arr) != 0 {
		t.Fatalf("centroids not empty: %s", data)
	}
}

func TestQuery_SourceErrorWrapped(t *testing.T) {
	svc := New(&fakeRows{err: errors.New("db down")})
	if _, err := svc.Query(context.Background(), "org", "u"); err == nil {
		t.Fatal("expected error")
	}
}
