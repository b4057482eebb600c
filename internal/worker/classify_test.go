package worker

import (
	"errors"
	"testing"

	"github.com/relaybus/cmdbus/internal/domain"
)

func TestClassify_Transient(t *testing.T) {
	err := NewTransientError(errors.New("timeout"))
	if got := Classify(err); got != domain.ErrorKindTransient {
		t.Fatalf("expected TRANSIENT, got %s", got)
	}
}

func TestClassify_Permanent(t *testing.T) {
	err := NewPermanentError(errors.New("unknown account"))
	if got := Classify(err); got != domain.ErrorKindPermanent {
		t.Fatalf("expected PERMANENT, got %s", got)
	}
}

func TestClassify_BusinessRule(t *testing.T) {
	err := NewBusinessRuleError(errors.New("insufficient funds"))
	if got := Classify(err); got != domain.ErrorKindBusinessRule {
		t.Fatalf("expected BUSINESS_RULE, got %s", got)
	}
}

func TestClassify_UnwrappedDefaultsToTransient(t *testing.T) {
	err := errors.New("some unclassified failure")
	if got := Classify(err); got != domain.ErrorKindTransient {
		t.Fatalf("expected unclassified error to default to TRANSIENT, got %s", got)
	}
}

func TestClassify_WrappedStillClassifies(t *testing.T) {
	inner := NewPermanentError(errors.New("bad request"))
	wrapped := errors.Join(inner)
	if got := Classify(wrapped); got != domain.ErrorKindPermanent {
		t.Fatalf("expected PERMANENT through errors.Join, got %s", got)
	}
}
