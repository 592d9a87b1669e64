package tokens

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeValidation struct {
	mu    sync.Mutex
	valid map[string]EdgeToken
	err   error
	calls int
}

func (f *fakeValidation) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeValidation) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeValidation) ValidateTokens(_ context.Context, raw []string) ([]EdgeToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []EdgeToken
	for _, r := range raw {
		if token, ok := f.valid[r]; ok {
			out = append(out, token)
		}
	}
	return out, nil
}

func clientToken(raw, env string, projects ...string) EdgeToken {
	return EdgeToken{Token: raw, Environment: env, Projects: projects, Type: TypeClient}
}

func TestRegisterImmediate(t *testing.T) {
	upstream := &fakeValidation{
		valid: map[string]EdgeToken{
			"good": clientToken("good", "development", "default"),
		},
	}
	v := NewValidator(upstream, nil, false)

	tokens, err := v.Register(context.Background(), []string{"good", "bad"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}

	byRaw := map[string]EdgeToken{}
	for _, token := range tokens {
		byRaw[token.Token] = token
	}
	if byRaw["good"].Status != StatusValidated {
		t.Errorf("expected good token validated, got %s", byRaw["good"].Status)
	}
	if byRaw["bad"].Status != StatusInvalid || byRaw["bad"].Type != TypeInvalid {
		t.Errorf("expected bad token invalid, got %s/%s", byRaw["bad"].Status, byRaw["bad"].Type)
	}

	// Second registration hits the cache only.
	if _, err := v.Register(context.Background(), []string{"good", "bad"}); err != nil {
		t.Fatal(err)
	}
	if upstream.calls != 1 {
		t.Errorf("expected one upstream call, got %d", upstream.calls)
	}
}

func TestRegisterDeferred(t *testing.T) {
	upstream := &fakeValidation{
		valid: map[string]EdgeToken{
			"good": clientToken("good", "development", "default"),
		},
	}
	v := NewValidator(upstream, nil, true)

	tokens, err := v.Register(context.Background(), []string{"good"})
	if err != nil {
		t.Fatal(err)
	}
	if tokens[0].Status != StatusInvalid {
		t.Errorf("deferred mode must mark unknown tokens invalid immediately, got %s", tokens[0].Status)
	}
	if upstream.calls != 0 {
		t.Errorf("deferred mode must not call upstream inline, got %d calls", upstream.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.RunDeferred(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if token, ok := v.Get("good"); ok && token.Status == StatusValidated {
			break
		}
		select {
		case <-deadline:
			t.Fatal("deferred validation never upgraded the token")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestRevalidationInvalidatesMissingTokens(t *testing.T) {
	upstream := &fakeValidation{
		valid: map[string]EdgeToken{
			"keep": clientToken("keep", "development", "default"),
			"drop": clientToken("drop", "production", "default"),
		},
	}
	v := NewValidator(upstream, nil, false)
	if _, err := v.Register(context.Background(), []string{"keep", "drop"}); err != nil {
		t.Fatal(err)
	}

	delete(upstream.valid, "drop")
	v.revalidate(context.Background())

	if token, _ := v.Get("keep"); token.Status != StatusValidated {
		t.Errorf("expected keep to stay validated, got %s", token.Status)
	}
	if token, _ := v.Get("drop"); token.Status != StatusInvalid {
		t.Errorf("expected drop to become invalid, got %s", token.Status)
	}
}

func TestRunStartupRetriesUntilSuccess(t *testing.T) {
	upstream := &fakeValidation{
		err: errors.New("upstream down"),
		valid: map[string]EdgeToken{
			"good": clientToken("good", "development", "default"),
		},
	}
	v := NewValidator(upstream, nil, false)

	go func() {
		time.Sleep(50 * time.Millisecond)
		upstream.setErr(nil)
	}()

	var got []EdgeToken
	done := make(chan struct{})
	go func() {
		v.RunStartup(context.Background(), []string{"good"}, func(valid []EdgeToken) {
			got = valid
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("startup registration never succeeded")
	}
	if len(got) != 1 || got[0].Token != "good" {
		t.Fatalf("expected the validated token, got %v", got)
	}
	if upstream.callCount() < 2 {
		t.Errorf("expected at least one retry, got %d calls", upstream.calls)
	}
}

func TestRunStartupBypassesDeferredValidation(t *testing.T) {
	upstream := &fakeValidation{
		valid: map[string]EdgeToken{
			"good": clientToken("good", "development", "default"),
		},
	}
	v := NewValidator(upstream, nil, true)

	var got []EdgeToken
	done := make(chan struct{})
	go func() {
		v.RunStartup(context.Background(), []string{"good"}, func(valid []EdgeToken) {
			got = valid
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("startup registration did not finish")
	}
	if len(got) != 1 || got[0].Token != "good" || got[0].Status != StatusValidated {
		t.Fatalf("deferred mode must still hand validated startup tokens over, got %v", got)
	}
	if upstream.callCount() != 1 {
		t.Errorf("expected one inline upstream call, got %d", upstream.callCount())
	}
}

func TestSeedTrusted(t *testing.T) {
	v := NewValidator(&fakeValidation{}, nil, false)
	v.SeedTrusted([]string{"secret@development", "*:production.other"})

	var environments []string
	for _, token := range v.Known() {
		if token.Status != StatusTrusted {
			t.Errorf("expected trusted, got %s", token.Status)
		}
		environments = append(environments, token.Environment)
	}
	sort.Strings(environments)
	if len(environments) != 2 || environments[0] != "development" || environments[1] != "production" {
		t.Errorf("unexpected environments %v", environments)
	}
}
