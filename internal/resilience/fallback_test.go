package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

var errRefused = errors.New("device refused")

// openWith returns a call that fails for the named members and records the
// order in which members were tried.
func openWith(tried *[]string, failing ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		*tried = append(*tried, name)
		if slices.Contains(failing, name) {
			return "", errRefused
		}
		return "stream:" + name, nil
	}
}

func newChain(cfg FallbackConfig, names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], cfg)
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestExecuteWithResult_Order(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		failing   []string
		want      string
		wantTried []string
		wantErr   bool
	}{
		{"primary opens", nil, "stream:pulse", []string{"pulse"}, false},
		{"falls over once", []string{"pulse"}, "stream:device", []string{"pulse", "device"}, false},
		{"falls to last", []string{"pulse", "device"}, "stream:mock", []string{"pulse", "device", "mock"}, false},
		{"nothing opens", []string{"pulse", "device", "mock"}, "", []string{"pulse", "device", "mock"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newChain(FallbackConfig{}, "pulse", "device", "mock")
			var tried []string
			got, err := ExecuteWithResult(fg, openWith(&tried, tt.failing...))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrAllFailed) {
				t.Errorf("err = %v, want ErrAllFailed", err)
			}
			if got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried %v, want %v", tried, tt.wantTried)
			}
		})
	}
}

func TestExecuteWithResult_WrapsOnlyLastError(t *testing.T) {
	t.Parallel()
	errLast := errors.New("last")
	fg := newChain(FallbackConfig{}, "wasapi", "device")

	_, err := ExecuteWithResult(fg, func(name string) (int, error) {
		if name == "wasapi" {
			return 0, errRefused
		}
		return 0, errLast
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errLast) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
	if errors.Is(err, errRefused) {
		t.Errorf("err = %v, earlier member errors must not leak", err)
	}
}

func TestFallbackGroup_OpenBreakerIsSkipped(t *testing.T) {
	t.Parallel()
	fg := newChain(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	}, "pulse", "device")

	var tried []string
	for range 2 {
		_, _ = ExecuteWithResult(fg, openWith(&tried, "pulse"))
	}
	tried = nil
	if err := fg.Execute(func(name string) error {
		tried = append(tried, name)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(tried, []string{"device"}) {
		t.Errorf("tried %v, want only device while pulse's breaker is open", tried)
	}
}

func TestFallbackGroup_BreakerNamesFollowMembers(t *testing.T) {
	t.Parallel()
	var opened []string
	fg := newChain(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			Name:        "ignored",
			MaxFailures: 1,
			OnStateChange: func(name string, _, to State) {
				if to == StateOpen {
					opened = append(opened, name)
				}
			},
		},
	}, "wasapi", "device")

	_ = fg.Execute(func(string) error { return errRefused })
	if !slices.Equal(opened, []string{"wasapi", "device"}) {
		t.Errorf("opened breakers %v, want [wasapi device]", opened)
	}
}

func TestFallbackGroup_NamesAndEach(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("a", "first", FallbackConfig{})
	fg.AddFallback("second", "b")

	if got := fg.Names(); !slices.Equal(got, []string{"first", "second"}) {
		t.Fatalf("Names() = %v", got)
	}
	var seen []string
	fg.Each(func(name, v string) { seen = append(seen, name+"="+v) })
	if !slices.Equal(seen, []string{"first=a", "second=b"}) {
		t.Errorf("Each visited %v", seen)
	}
}
