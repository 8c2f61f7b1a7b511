package controller_test

import (
	"testing"

	"github.com/cryslith/cherry/internal/controller"
)

func TestPrStateRoundTrip(t *testing.T) {
	states := []controller.PrState{
		controller.PrRequested,
		controller.PrQueued,
		controller.PrMerging,
		controller.PrSplit,
	}

	for _, s := range states {
		parsed, err := controller.ParsePrState(s.String())
		if err != nil {
			t.Errorf("ParsePrState(%q): %v", s, err)
		}

		if parsed != s {
			t.Errorf("ParsePrState(%q) = %v, want %v", s, parsed, s)
		}
	}

	if _, err := controller.ParsePrState("bogus"); err == nil {
		t.Error("expected error for unknown PR state")
	}
}

func TestMergeStateRoundTrip(t *testing.T) {
	states := []controller.MergeState{
		controller.MergeConstructing,
		controller.MergeTesting,
		controller.MergeSuccess,
		controller.MergeSplit,
	}

	for _, s := range states {
		parsed, err := controller.ParseMergeState(s.String())
		if err != nil {
			t.Errorf("ParseMergeState(%q): %v", s, err)
		}

		if parsed != s {
			t.Errorf("ParseMergeState(%q) = %v, want %v", s, parsed, s)
		}
	}

	if _, err := controller.ParseMergeState("bogus"); err == nil {
		t.Error("expected error for unknown merge state")
	}
}
