package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_ExposesAssignmentMetrics(t *testing.T) {
	RecordAssignment("poller", true, "", 20*time.Millisecond)
	RecordAssignment("poller", false, "all_agents_at_capacity", 5*time.Millisecond)
	RecordQueueScan(3, 42, 1, 1, 1, 10*time.Millisecond)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`livedesk_assignment_attempts_total{outcome="failure",reason="all_agents_at_capacity",trigger="poller"} 1`,
		`livedesk_queue_pending 3`,
		`livedesk_queue_longest_wait_seconds 42`,
		`livedesk_queue_sla_conversations{sla_status="breached"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
