package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	critical := &Component{Name: "journal", Critical: true}
	optional := &Component{Name: "connection"}
	both := []*Component{critical, optional}

	tests := []struct {
		name    string
		results map[string]CheckResult
		want    Status
	}{
		{"no results for a critical component", map[string]CheckResult{}, StatusUnknown},
		{"all healthy", map[string]CheckResult{
			"journal":    {Status: StatusHealthy},
			"connection": {Status: StatusHealthy},
		}, StatusHealthy},
		{"optional unhealthy degrades", map[string]CheckResult{
			"journal":    {Status: StatusHealthy},
			"connection": {Status: StatusUnhealthy},
		}, StatusDegraded},
		{"critical degraded", map[string]CheckResult{
			"journal":    {Status: StatusDegraded},
			"connection": {Status: StatusHealthy},
		}, StatusDegraded},
		{"critical unhealthy wins", map[string]CheckResult{
			"journal":    {Status: StatusUnhealthy},
			"connection": {Status: StatusDegraded},
		}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(both, tt.results))
		})
	}

	assert.Equal(t, StatusHealthy, Aggregate(nil, nil))
	assert.Equal(t, StatusHealthy, Aggregate([]*Component{optional}, nil), "unknown optional component is ignored")
}

func TestRegisterReplaces(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, func(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} })
	c.RegisterFunc("db", true, func(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })

	r := c.Report(context.Background())
	assert.Len(t, r.Components, 1)
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestCheckRecoversPanicsAndTimeouts(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("kaput") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["boom"].Status)
	assert.Equal(t, "kaput", results["boom"].Error)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Len(t, results, 2)
}

func TestReport(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("queue", false, QueueCheck(func() int { return 90 }, 100))

	assert.False(t, c.IsReady())

	c.SetReady(true)
	r := c.Report(context.Background())
	assert.True(t, r.Ready)
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Contains(t, r.Components, "queue")
}

func TestConnectionCheck(t *testing.T) {
	for state, want := range map[string]Status{
		"connected":    StatusHealthy,
		"connecting":   StatusDegraded,
		"disconnected": StatusUnhealthy,
	} {
		check := ConnectionCheck(func() (string, int) { return state, 0 })
		assert.Equal(t, want, check(context.Background()).Status, state)
	}
}

func TestWatchersCheck(t *testing.T) {
	check := func(running, configured int) Status {
		return WatchersCheck(func() (int, int) { return running, configured })(context.Background()).Status
	}
	assert.Equal(t, StatusHealthy, check(2, 2))
	assert.Equal(t, StatusDegraded, check(1, 2))
	assert.Equal(t, StatusUnhealthy, check(0, 2))
	assert.Equal(t, StatusDegraded, check(0, 0))
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok(context.Background()).Status)

	bad := DatabaseCheck(func(context.Context) error { return errors.New("locked") })
	res := bad(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "locked", res.Error)
}
