package intent

import (
	"fmt"
	"testing"
)

func TestNewIsPending(t *testing.T) {
	in := New(KindProposeVerifier, "app-1", "f1holder", map[string]any{"datacap": "5"})
	if in.ID == "" {
		t.Fatal("expected an id")
	}
	if in.Status != StatusPending {
		t.Errorf("status = %s, want pending", in.Status)
	}
	if err := in.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestTransitions(t *testing.T) {
	in := New(KindApproveVerifier, "app-1", "f1holder", nil)

	in.Failed(fmt.Errorf("device rejected"))
	if in.Status != StatusFailed || in.Error != "device rejected" {
		t.Fatalf("after Failed: %+v", in)
	}

	in.Submitted("bafy2bzace")
	if in.Status != StatusSubmitted || in.MessageID != "bafy2bzace" || in.Error != "" {
		t.Fatalf("after Submitted: %+v", in)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]Intent{
		"missing id":      {Kind: KindOverrideKYC, Account: "f1a", Status: StatusPending},
		"unknown kind":    {ID: "x", Kind: "mint", Account: "f1a", Status: StatusPending},
		"missing account": {ID: "x", Kind: KindOverrideKYC, Status: StatusPending},
		"unknown status":  {ID: "x", Kind: KindOverrideKYC, Account: "f1a", Status: "lost"},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if err := in.Validate(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	in := New(KindOverrideKYC, "app-2", "f1reviewer", nil)

	if !(Filter{}).Matches(in) {
		t.Error("empty filter should match")
	}
	if !(Filter{Account: "f1reviewer", ApplicationID: "app-2", Kind: KindOverrideKYC}).Matches(in) {
		t.Error("exact filter should match")
	}
	if (Filter{ApplicationID: "app-3"}).Matches(in) {
		t.Error("other application should not match")
	}
	if (Filter{Kind: KindProposeVerifier}).Matches(in) {
		t.Error("other kind should not match")
	}
}
