package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

func TestRequireTenant(t *testing.T) {
	ok := TenantFilter("acme", "freshdesk")
	if err := ok.requireTenant(); err != nil {
		t.Errorf("TenantFilter rejected: %v", err)
	}

	bad := []Filter{
		{},
		{Must: []Condition{Eq(FieldTenantID, "acme")}},
		{Must: []Condition{Eq(FieldPlatform, "freshdesk")}},
		{Must: []Condition{Eq(FieldTenantID, ""), Eq(FieldPlatform, "freshdesk")}},
		// tenant_id pinned only via MatchAny does not count.
		{Must: []Condition{Any(FieldTenantID, []string{"acme"}), Eq(FieldPlatform, "freshdesk")}},
	}
	for i, f := range bad {
		err := f.requireTenant()
		if !faults.IsKind(err, faults.MissingTenantFilter) {
			t.Errorf("case %d: err = %v, want MissingTenantFilter", i, err)
		}
	}
}

func TestFilterMarshal(t *testing.T) {
	gte := int64(3)
	f := TenantFilter("acme", "freshdesk").
		With(Range(FieldPriority, &gte, nil), Any(FieldStatus, []string{"resolved", "closed"}))
	f.Should = append(f.Should, Eq(FieldTags, "sso"))

	buf, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(buf)

	for _, want := range []string{
		`"must":`,
		`"should":`,
		`{"key":"tenant_id","match":{"value":"acme"}}`,
		`{"key":"priority","range":{"gte":3}}`,
		`{"key":"status","match":{"any":["resolved","closed"]}}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("marshaled filter missing %s:\n%s", want, got)
		}
	}
	if strings.Contains(got, "must_not") {
		t.Errorf("empty must_not serialized:\n%s", got)
	}
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("acme", "freshdesk", models.ObjectTicket, "1001")
	b := PointID("acme", "freshdesk", models.ObjectTicket, "1001")
	if a != b {
		t.Error("point id not deterministic")
	}

	distinct := []string{
		PointID("other", "freshdesk", models.ObjectTicket, "1001"),
		PointID("acme", "zendesk", models.ObjectTicket, "1001"),
		PointID("acme", "freshdesk", models.ObjectKBArticle, "1001"),
		PointID("acme", "freshdesk", models.ObjectTicket, "1002"),
	}
	for i, id := range distinct {
		if id == a {
			t.Errorf("case %d: identity change did not change point id", i)
		}
	}
}

func testGateway(url string) *Gateway {
	return NewGateway(config.QdrantConfig{
		URL:        url,
		Collection: "objects",
		Timeout:    2 * time.Second,
	}, 4, true)
}

func TestSearchRejectsUnscopedFilter(t *testing.T) {
	g := testGateway("http://never-dialed.invalid")
	_, err := g.Search(context.Background(), SearchQuery{Dense: []float32{1, 0, 0, 0}})
	if !faults.IsKind(err, faults.MissingTenantFilter) {
		t.Errorf("err = %v, want MissingTenantFilter", err)
	}

	err = g.Delete(context.Background(), Filter{})
	if !faults.IsKind(err, faults.MissingTenantFilter) {
		t.Errorf("delete err = %v, want MissingTenantFilter", err)
	}
}

func TestSearchDropsForeignTenantHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/points/query") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		resp := map[string]any{
			"result": map[string]any{
				"points": []map[string]any{
					{"id": "p1", "score": 0.9, "payload": models.Payload{TenantID: "acme", Platform: "freshdesk", Subject: "mine"}},
					{"id": "p2", "score": 0.8, "payload": models.Payload{TenantID: "intruder", Platform: "freshdesk", Subject: "leak"}},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	g := testGateway(srv.URL)
	hits, err := g.Search(context.Background(), SearchQuery{
		Dense:  []float32{1, 0, 0, 0},
		Filter: TenantFilter("acme", "freshdesk"),
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1 (foreign tenant dropped)", len(hits))
	}
	if hits[0].Payload.TenantID != "acme" {
		t.Errorf("surviving hit tenant = %q", hits[0].Payload.TenantID)
	}
}

func TestSearchSparseUsesSparseVector(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"result":{"points":[]}}`))
	}))
	defer srv.Close()

	g := testGateway(srv.URL)
	_, err := g.Search(context.Background(), SearchQuery{
		Sparse: &models.SparseVector{Indices: []uint32{1, 7}, Values: []float32{0.5, 0.5}},
		Filter: TenantFilter("acme", "freshdesk"),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotBody["using"] != sparseVectorName {
		t.Errorf("using = %v, want %s", gotBody["using"], sparseVectorName)
	}
}

func TestSearchAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	g := testGateway(srv.URL)
	_, err := g.Search(context.Background(), SearchQuery{
		Dense:  []float32{1, 0, 0, 0},
		Filter: TenantFilter("acme", "freshdesk"),
	})
	if !faults.IsKind(err, faults.AuthFailure) {
		t.Errorf("err = %v, want AuthFailure", err)
	}
}
