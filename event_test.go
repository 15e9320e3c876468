package kestrel

import "testing"

func TestChangeKindString(t *testing.T) {
	testCases := []struct {
		Kind     ChangeKind
		Expected string
	}{
		{Created, "created"},
		{Modified, "modified"},
		{Removed, "removed"},
		{Invalidated, "invalidated"},
		{ChangeKind(255), "unknown"},
	}

	for _, testCase := range testCases {
		if got := testCase.Kind.String(); got != testCase.Expected {
			t.Errorf("%v.String() = %q, expected %q", testCase.Kind, got, testCase.Expected)
		}
	}
}

func TestEventConstructors(t *testing.T) {
	change := changeEvent(Modified, "/a/b")
	if change.Type != EventChange || change.Kind != Modified || change.Path != "/a/b" {
		t.Errorf("unexpected change event: %+v", change)
	}

	overflow := overflowEvent("/root")
	if overflow.Type != EventOverflow || overflow.Scope != "/root" {
		t.Errorf("unexpected overflow event: %+v", overflow)
	}

	unknown := unknownEvent("/a/b")
	if unknown.Type != EventUnknown || unknown.Path != "/a/b" {
		t.Errorf("unexpected unknown event: %+v", unknown)
	}

	failure := failureEvent(ErrorKindBackendFault, "disk unplugged")
	if failure.Type != EventFailure || failure.ErrKind != ErrorKindBackendFault || failure.Message != "disk unplugged" {
		t.Errorf("unexpected failure event: %+v", failure)
	}
}
