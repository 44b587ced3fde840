package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if n := testutil.CollectAndCount(JobsReclaimed); n != 1 {
		t.Errorf("Expected one reclaimed counter, got %d", n)
	}
}

func TestObserveJob(t *testing.T) {
	before := testutil.ToFloat64(JobsProcessed.WithLabelValues("notifier", "error"))
	ObserveJob("notifier", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(JobsProcessed.WithLabelValues("notifier", "error"))
	if after-before != 1 {
		t.Errorf("Expected error counter to grow by 1, got %v", after-before)
	}
}

func TestObserveSignature(t *testing.T) {
	before := testutil.ToFloat64(SignatureChecks.WithLabelValues("eddsa-jcs-2022", "ok"))
	ObserveSignature("eddsa-jcs-2022", true)
	if testutil.ToFloat64(SignatureChecks.WithLabelValues("eddsa-jcs-2022", "ok"))-before != 1 {
		t.Error("Expected ok counter to grow by 1")
	}
}
