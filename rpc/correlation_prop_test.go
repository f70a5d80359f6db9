package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/fabric/pulse/pulsetest"
)

// startNoisyReplier serves the endpoint by answering every request with, in
// random order: a reply addressed to a foreign requester, a duplicate of the
// real reply, and the real reply itself.
func startNoisyReplier(t *testing.T, client *pulsetest.Client, registry pulse.Map, endpoint string, rng *rand.Rand) {
	t.Helper()
	reqStream, err := client.Stream(requestStream(endpoint))
	require.NoError(t, err)
	sink, err := reqStream.NewSink(context.Background(), "noisy-replier")
	require.NoError(t, err)
	repStream, err := client.Stream(replyStream(endpoint))
	require.NoError(t, err)
	_, err = registry.Set(context.Background(), endpointKey(endpoint), "svc-noisy")
	require.NoError(t, err)

	var mu sync.Mutex // guards rng; requests arrive on one goroutine but stay safe
	go func() {
		for evt := range sink.Subscribe() {
			var req Request
			if json.Unmarshal(evt.Payload, &req) != nil {
				continue
			}
			real, _ := json.Marshal(Reply{
				RequestID: req.RequestID, TargetGUID: req.SourceGUID,
				Status: StatusOK, Payload: req.Payload,
			})
			foreign, _ := json.Marshal(Reply{
				RequestID: req.RequestID, TargetGUID: "someone-else",
				Status: StatusError, Payload: json.RawMessage(`"foreign"`),
			})
			batch := [][]byte{foreign, real, real}
			mu.Lock()
			rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
			mu.Unlock()
			for _, b := range batch {
				_, _ = repStream.Add(context.Background(), "reply", b)
			}
		}
	}()
}

// TestReplyCorrelationProperty verifies that for any batch of concurrent
// calls, every call resolves to the reply carrying its own request id even
// when the replier duplicates replies and interleaves replies addressed to
// other requesters.
func TestReplyCorrelationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("calls resolve to their own replies under duplication and noise", prop.ForAll(
		func(n int, seed int64) bool {
			client := pulsetest.NewClient()
			registry, err := client.Map(context.Background(), "genesis:adverts")
			if err != nil {
				return false
			}
			rng := rand.New(rand.NewSource(seed))
			startNoisyReplier(t, client, registry, "Prop", rng)

			requester, err := Connect(context.Background(), RequesterOptions{
				Client: client, Registry: registry, Endpoint: "Prop", GUID: "cli-prop",
			})
			if err != nil {
				return false
			}
			defer requester.Close(context.Background())

			var wg sync.WaitGroup
			ok := make([]bool, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					want := fmt.Sprintf(`{"n":%d}`, i)
					payload, status, err := requester.Call(context.Background(), []byte(want), 5*time.Second)
					ok[i] = err == nil && status == StatusOK && string(payload) == want
				}(i)
			}
			wg.Wait()
			for _, v := range ok {
				if !v {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
