package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pubsub-demo/internal/model"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const influxMeasurement = "sample"

// InfluxStore implements Store backed by InfluxDB v2. Each sample is one
// point in measurement "sample", tagged with its key, with the payload in
// a string field.
type InfluxStore struct {
	client influxdb2.Client
	org    string
	bucket string
	wapi   api.WriteAPIBlocking
	qapi   api.QueryAPI
}

// NewInfluxStore builds a Store using InfluxDB v2 client.
// url example: http://localhost:8086
func NewInfluxStore(url, org, bucket, token string) (*InfluxStore, error) {
	if url == "" || org == "" || bucket == "" || token == "" {
		return nil, fmt.Errorf("influx: missing url/org/bucket/token")
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxStore{
		client: client,
		org:    org,
		bucket: bucket,
		wapi:   client.WriteAPIBlocking(org, bucket),
		qapi:   client.QueryAPI(org),
	}, nil
}

func (s *InfluxStore) SaveSample(smp model.Sample) error {
	p := influxdb2.NewPoint(influxMeasurement,
		map[string]string{"key": smp.KeyExpr},
		map[string]interface{}{"payload": string(smp.Payload)},
		smp.Timestamp)
	if err := s.wapi.WritePoint(context.Background(), p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *InfluxStore) ListKeys() ([]string, error) {
	q := fmt.Sprintf(`from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %q)
  |> keep(columns: ["key"])
  |> group()
  |> distinct(column: "key")`, s.bucket, influxMeasurement)
	res, err := s.qapi.Query(context.Background(), q)
	if err != nil {
		return nil, fmt.Errorf("influx list keys: %w", err)
	}
	defer res.Close()
	set := map[string]struct{}{}
	for res.Next() {
		// distinct() leaves the value in _value
		if k, ok := res.Record().Value().(string); ok && k != "" {
			set[k] = struct{}{}
		}
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("influx list keys: %w", res.Err())
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// timeLiteral returns a Flux time literal suitable for range(), e.g., time(v: "2026-01-27T00:00:00Z").
func timeLiteral(t time.Time) string {
	return fmt.Sprintf("time(v: %q)", t.UTC().Format(time.RFC3339Nano))
}

// fluxQuery builds the Flux query for QuerySamples. range() excludes its
// stop bound, so end is widened by one nanosecond.
func (s *InfluxStore) fluxQuery(key string, start, end *time.Time) string {
	startExpr := "0"
	if start != nil {
		startExpr = timeLiteral(*start)
	}
	stopExpr := ""
	if end != nil {
		stopExpr = ", stop: " + timeLiteral(end.Add(time.Nanosecond))
	}
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s%s)
  |> filter(fn: (r) => r._measurement == %q and r.key == %q and r._field == "payload")
  |> sort(columns: ["_time"], desc: false)
`, s.bucket, startExpr, stopExpr, influxMeasurement, key)
}

func (s *InfluxStore) QuerySamples(key string, start, end *time.Time) ([]model.Sample, error) {
	if key == "" {
		return nil, fmt.Errorf("key required")
	}
	q := s.fluxQuery(key, start, end)
	res, err := s.qapi.Query(context.Background(), q)
	if err != nil {
		return nil, fmt.Errorf("influx query: %w; flux=%s", err, q)
	}
	defer res.Close()
	var out []model.Sample
	for res.Next() {
		rec := res.Record()
		payload, _ := rec.Value().(string)
		out = append(out, model.Sample{KeyExpr: key, Timestamp: rec.Time().UTC(), Payload: []byte(payload)})
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	return out, nil
}

func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}
