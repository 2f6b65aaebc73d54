package merge

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var frames = []Frame{
	{Image: []byte("a"), Exposure: 40 * time.Millisecond},
	{Image: []byte("b"), Exposure: 80 * time.Millisecond},
	{Image: []byte("c"), Exposure: 20 * time.Millisecond},
}

func TestFrame_ExposureSeconds(t *testing.T) {
	assert.InDelta(t, 0.04, frames[0].ExposureSeconds(), 1e-12)
}

func TestCommand_Expand(t *testing.T) {
	c := &Command{Args: []string{"-o", "{output}", "--align={align}", "-a", "{algorithm}", "{inputs}", "-e", "{exposures}", "{tonemap}"}}
	got := c.Expand("/tmp/out.jpg", []string{"f0", "f1", "f2"}, frames, Options{Align: true, Algorithm: "debevec", Tonemap: "reinhard"})
	want := []string{"-o", "/tmp/out.jpg", "--align=1", "-a", "debevec", "f0", "f1", "f2", "-e", "0.04", "0.08", "0.02", "reinhard"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestCommand_RunsTool(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	c := &Command{
		Path: sh,
		// Concatenate the frames in order into the output.
		Args: []string{"-c", `cat "$@" > {output}`, "merge", "{inputs}"},
		Dir:  t.TempDir(),
		Log:  zerolog.Nop(),
	}
	out, err := c.MergeSequence(context.Background(), frames, Options{})
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestCommand_FailureIncludesStderr(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	c := &Command{Path: sh, Args: []string{"-c", "echo bad exposure list >&2; exit 3"}, Dir: t.TempDir(), Log: zerolog.Nop()}
	_, err = c.MergeSequence(context.Background(), frames, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad exposure list")
}

func TestCommand_NoFrames(t *testing.T) {
	_, err := (&Command{Path: "true"}).MergeSequence(context.Background(), nil, Options{})
	require.ErrorIs(t, err, ErrNoFrames)
}

type outcome struct {
	out []byte
	err error
}

func startDispatcher(t *testing.T, b Backend, timeout time.Duration) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	d := NewDispatcher(b, timeout, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, cancel
}

func TestDispatcher_CallsBackendOncePerJob(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	b := BackendFunc(func(ctx context.Context, fs []Frame, opts Options) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[string(fs[0].Image)]++
		assert.Equal(t, "mertens", opts.Algorithm)
		return []byte("merged"), nil
	})
	d, _ := startDispatcher(t, b, time.Second)

	results := make(chan outcome, 3)
	for _, id := range []string{"x", "y", "z"} {
		job := Job{
			ID:      id,
			Frames:  []Frame{{Image: []byte(id), Exposure: time.Millisecond}},
			Options: Options{Algorithm: "mertens"},
			Done:    func(out []byte, err error) { results <- outcome{out, err} },
		}
		require.NoError(t, d.Submit(context.Background(), job))
	}
	for i := 0; i < 3; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "merged", string(r.out))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"x": 1, "y": 1, "z": 1}, calls)
}

func TestDispatcher_Timeout(t *testing.T) {
	b := BackendFunc(func(ctx context.Context, _ []Frame, _ Options) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d, _ := startDispatcher(t, b, 20*time.Millisecond)

	res := make(chan outcome, 1)
	require.NoError(t, d.Submit(context.Background(), Job{ID: "slow", Frames: frames, Done: func(out []byte, err error) { res <- outcome{out, err} }}))
	r := <-res
	require.ErrorIs(t, r.err, context.DeadlineExceeded)
}

func TestDispatcher_EmptyOutputIsAnError(t *testing.T) {
	b := BackendFunc(func(context.Context, []Frame, Options) ([]byte, error) { return nil, nil })
	d, _ := startDispatcher(t, b, 0)

	res := make(chan outcome, 1)
	require.NoError(t, d.Submit(context.Background(), Job{ID: "empty", Frames: frames, Done: func(out []byte, err error) { res <- outcome{out, err} }}))
	require.Error(t, (<-res).err)
}

func TestDispatcher_SubmitValidationAndClose(t *testing.T) {
	b := BackendFunc(func(context.Context, []Frame, Options) ([]byte, error) { return []byte("x"), nil })
	d, cancel := startDispatcher(t, b, 0)

	require.ErrorIs(t, d.Submit(context.Background(), Job{ID: "none"}), ErrNoFrames)

	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(d.Submit(context.Background(), Job{ID: "late", Frames: frames}), ErrDispatcherClosed)
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	block := make(chan struct{})
	b := BackendFunc(func(ctx context.Context, _ []Frame, _ Options) ([]byte, error) {
		<-block
		return []byte("x"), nil
	})
	d := NewDispatcher(b, 0, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	res := make(chan outcome, 2)
	report := func(out []byte, err error) { res <- outcome{out, err} }
	require.NoError(t, d.Submit(context.Background(), Job{ID: "first", Frames: frames, Done: report}))
	require.NoError(t, d.Submit(context.Background(), Job{ID: "second", Frames: frames, Done: report}))

	cancel()
	close(block)
	<-done

	var errs []error
	for i := 0; i < 2; i++ {
		errs = append(errs, (<-res).err)
	}
	// The merge in flight finishes; anything still queued gets the context error.
	assert.True(t, errs[0] == nil || errors.Is(errs[0], context.Canceled))
	assert.ErrorIs(t, errs[1], context.Canceled)
}
