package domain

import "testing"

func TestBatch_IsTerminal(t *testing.T) {
	cases := []struct {
		name string
		b    Batch
		want bool
	}{
		{"all completed", Batch{TotalCount: 3, CompletedCount: 3}, true},
		{"mixed completed and canceled", Batch{TotalCount: 3, CompletedCount: 2, CanceledCount: 1}, true},
		{"still in progress", Batch{TotalCount: 3, CompletedCount: 2}, false},
		{"stuck in troubleshooting queue", Batch{TotalCount: 3, CompletedCount: 3, InTroubleshootingCount: 1}, false},
	}

	for _, c := range cases {
		if got := c.b.IsTerminal(); got != c.want {
			t.Errorf("%s: IsTerminal() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestBatch_TerminalStatus(t *testing.T) {
	cases := []struct {
		name string
		b    Batch
		want BatchStatus
	}{
		{"no cancellations", Batch{TotalCount: 3, CompletedCount: 3}, BatchCompleted},
		{"one cancellation", Batch{TotalCount: 3, CompletedCount: 2, CanceledCount: 1}, BatchCompletedWithFailures},
	}

	for _, c := range cases {
		if got := c.b.TerminalStatus(); got != c.want {
			t.Errorf("%s: TerminalStatus() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestCommandStatus_IsTerminal(t *testing.T) {
	cases := []struct {
		status CommandStatus
		want   bool
	}{
		{CommandPending, false},
		{CommandInProgress, false},
		{CommandInTroubleshootingQueue, false},
		{CommandCompleted, true},
		{CommandFailed, true},
		{CommandCanceled, true},
	}

	for _, c := range cases {
		if got := c.status.IsTerminal(); got != c.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", c.status, got, c.want)
		}
	}
}
