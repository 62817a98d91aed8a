package micowner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/testutil"
)

type fakeSource struct {
	procs []Process
	err   error
	calls atomic.Int32
}

func (s *fakeSource) Processes(context.Context) ([]Process, error) {
	s.calls.Add(1)
	return s.procs, s.err
}

func TestCurrentAppBeforeRefreshIsUnknown(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	f := NewFinder(src, testutil.Logger())

	assert.Equal(t, UnknownApplication, f.CurrentApp())
	assert.Zero(t, src.calls.Load(), "CurrentApp must not scan")
}

func TestRefreshFindsCaptureDeviceHolders(t *testing.T) {
	t.Parallel()
	src := &fakeSource{procs: []Process{
		{PID: 300, Name: "zoom", OpenFiles: []string{"/dev/snd/controlC0", "/dev/snd/pcmC0D0c"}},
		{PID: 200, Name: "firefox", OpenFiles: []string{"/dev/snd/pcmC1D0c"}},
		{PID: 100, Name: "mpv", OpenFiles: []string{"/dev/snd/pcmC0D0p"}},
		{PID: 42, Name: "meetrec", OpenFiles: []string{"/dev/snd/pcmC0D0c"}},
	}}
	f := NewFinder(src, testutil.Logger(), WithSelfPID(42))

	require.NoError(t, f.Refresh(context.Background()))
	owners := f.Owners()
	require.Len(t, owners, 2)
	assert.Equal(t, Owner{PID: 200, Name: "firefox", Device: "/dev/snd/pcmC1D0c"}, owners[0])
	assert.Equal(t, "zoom", owners[1].Name)
	assert.Equal(t, "firefox", f.CurrentApp())
}

func TestRefreshWithoutHoldersIsUnknown(t *testing.T) {
	t.Parallel()
	src := &fakeSource{procs: []Process{{PID: 7, Name: "mpv", OpenFiles: []string{"/dev/snd/pcmC0D0p"}}}}
	f := NewFinder(src, testutil.Logger())

	require.NoError(t, f.Refresh(context.Background()))
	assert.Empty(t, f.Owners())
	assert.Equal(t, UnknownApplication, f.CurrentApp())
}

func TestRefreshErrorKeepsPreviousAnswer(t *testing.T) {
	t.Parallel()
	src := &fakeSource{procs: []Process{{PID: 9, Name: "teams", OpenFiles: []string{"/dev/snd/pcmC0D0c"}}}}
	f := NewFinder(src, testutil.Logger())
	require.NoError(t, f.Refresh(context.Background()))

	src.err = assert.AnError
	err := f.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySystem))
	assert.Equal(t, "teams", f.CurrentApp())
}

func TestCachedAnswerExpires(t *testing.T) {
	t.Parallel()
	src := &fakeSource{procs: []Process{{PID: 9, Name: "teams", OpenFiles: []string{"/dev/snd/pcmC0D0c"}}}}
	f := NewFinder(src, testutil.Logger(), WithRefreshInterval(10*time.Millisecond))
	require.NoError(t, f.Refresh(context.Background()))
	assert.Equal(t, "teams", f.CurrentApp())

	assert.Eventually(t, func() bool {
		return f.CurrentApp() == UnknownApplication
	}, time.Second, 10*time.Millisecond)
}

func TestRunRefreshesUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{}
	f := NewFinder(src, testutil.Logger(), WithRefreshInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
