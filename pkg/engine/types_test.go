package engine

import "testing"

func TestReturnValue_Outcome(t *testing.T) {
	cases := []struct {
		name      string
		result    *bool
		succeeded bool
		failed    bool
	}{
		{"explicit success", truePtr(), true, false},
		{"explicit failure", falsePtr(), false, true},
		{"undetermined", nil, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rv := &ReturnValue{Result: tc.result}
			if rv.Succeeded() != tc.succeeded {
				t.Errorf("Succeeded() = %v, want %v", rv.Succeeded(), tc.succeeded)
			}
			if rv.Failed() != tc.failed {
				t.Errorf("Failed() = %v, want %v", rv.Failed(), tc.failed)
			}
		})
	}
}
