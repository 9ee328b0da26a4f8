package job

import "testing"

func TestStatus_Next(t *testing.T) {
	steps := map[Status]Status{
		StatusPending:    StatusExtracting,
		StatusExtracting: StatusGenerating,
		StatusGenerating: StatusValidating,
		StatusValidating: StatusReady,
		StatusReady:      StatusDelivered,
	}
	for from, want := range steps {
		got, ok := from.Next()
		if !ok {
			t.Errorf("%s should have a next status", from)
			continue
		}
		if got != want {
			t.Errorf("%s: expected next %s, got %s", from, want, got)
		}
	}
}

func TestStatus_Next_Terminal(t *testing.T) {
	for _, s := range []Status{StatusDelivered, StatusFailed, Status("BOGUS")} {
		if _, ok := s.Next(); ok {
			t.Errorf("%s must not have a next status", s)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusDelivered, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusExtracting, StatusGenerating, StatusValidating, StatusReady} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range statusLadder {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if !StatusFailed.Valid() {
		t.Error("FAILED should be valid")
	}
	if Status("pending").Valid() {
		t.Error("statuses are uppercase; lowercase must be invalid")
	}
}

func TestCode_Messages(t *testing.T) {
	codes := []Code{
		CodeLoadFailed,
		CodeNoData,
		CodeGenerationTimeout,
		CodeGenerationFailed,
		CodeDeliveryFailed,
		CodeStoreFailed,
	}
	for _, c := range codes {
		if c.Message() == "" {
			t.Errorf("%s must have a closed-set message", c)
		}
	}
	if Code("UNKNOWN").Message() == "" {
		t.Error("unknown codes still need a fallback message")
	}
}

func TestCode_Retryable(t *testing.T) {
	if CodeNoData.Retryable() {
		t.Error("NO_DATA is terminal")
	}
	for _, c := range []Code{CodeLoadFailed, CodeGenerationTimeout, CodeGenerationFailed, CodeStoreFailed} {
		if !c.Retryable() {
			t.Errorf("%s should be retryable", c)
		}
	}
}
