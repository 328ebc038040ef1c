package ingress

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSinks = []string{
	"smartphone-mic-0-sink",
	"smartphone-mic-1-sink",
	"smartphone-mic-2-sink",
	"smartphone-mic-3-sink",
	"smartphone-mic-4-sink",
	"smartphone-mic-5-sink",
	"smartphone-mic-6-sink",
}

func newTestManager(t *testing.T, g *fakeGraph) *Manager {
	t.Helper()
	bin := writeChildScript(t, strings.Join([]string{
		`echo "Connection State has changed checking"`,
		`echo "` + answerB64("v=0 answer") + `"`,
		`sleep 10`,
	}, "\n"))
	return NewManager(testConfig(bin), g, testSinks)
}

func TestManagerStart_AutoConnectsToLobby(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)
	defer m.StopAll()

	answer, err := m.Start(17, "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)

	g.setPorts(map[int]string{
		86: "ingress-17:output_FL",
		87: "ingress-17:output_FR",
	})

	assert.Eventually(t, func() bool {
		idx, ok := m.SinkIndex(17)
		return ok && idx == 0
	}, 3*time.Second, 20*time.Millisecond)

	g.mu.Lock()
	links := append([]string(nil), g.links...)
	g.mu.Unlock()
	assert.Contains(t, links, "86->smartphone-mic-0-sink:input_FL")
	assert.Contains(t, links, "87->smartphone-mic-0-sink:input_FR")
}

func TestManagerConnectToSink_Rewires(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)
	defer m.StopAll()

	_, err := m.Start(17, "offer")
	require.NoError(t, err)
	g.setPorts(map[int]string{
		86: "ingress-17:output_FL",
		87: "ingress-17:output_FR",
	})
	require.Eventually(t, func() bool {
		_, ok := m.SinkIndex(17)
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, m.ConnectToSink(17, 3))

	idx, ok := m.SinkIndex(17)
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Contains(t, g.links, "86->smartphone-mic-3-sink:input_FL")
	assert.Contains(t, g.links, "87->smartphone-mic-3-sink:input_FR")
	// rewiring first removed the old peers
	assert.Contains(t, g.unlinks, 86)
	assert.Contains(t, g.unlinks, 87)
}

func TestManagerHas_SurvivesFailedLobbyConnect(t *testing.T) {
	g := &fakeGraph{linkErr: errors.New("link refused")}
	g.setPorts(map[int]string{
		86: "ingress-17:output_FL",
		87: "ingress-17:output_FR",
	})
	m := newTestManager(t, g)
	defer m.StopAll()

	_, err := m.Start(17, "offer")
	require.NoError(t, err)

	// the lobby auto-connect fails, so no sink is ever recorded
	assert.Never(t, func() bool {
		_, ok := m.SinkIndex(17)
		return ok
	}, 500*time.Millisecond, 20*time.Millisecond)

	// but the ingress exists, so a later room join can still rewire it
	assert.True(t, m.Has(17))
}

func TestManagerConnectToSink_Validation(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)

	assert.ErrorIs(t, m.ConnectToSink(1, 7), ErrInvalidSink)
	assert.ErrorIs(t, m.ConnectToSink(1, -1), ErrInvalidSink)
	assert.ErrorIs(t, m.ConnectToSink(99, 0), ErrNotFound)
}

func TestManagerConnectToSink_NameFallback(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)
	defer m.StopAll()

	// graph never lists any ports, so discovery comes up empty
	_, err := m.Start(5, "offer")
	require.NoError(t, err)

	require.NoError(t, m.ConnectToSink(5, 1))

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Contains(t, g.links, "ingress-5:output_FL->smartphone-mic-1-sink:input_FL")
	assert.Contains(t, g.links, "ingress-5:output_FR->smartphone-mic-1-sink:input_FR")
}

func TestManagerStart_Serialized(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)
	defer m.StopAll()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Start(100+i, "offer")
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ElementsMatch(t, []int{100, 101}, m.Sessions())
}

func TestManagerRemove(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)

	_, err := m.Start(17, "offer")
	require.NoError(t, err)
	require.Contains(t, m.Sessions(), 17)

	m.Remove(17)

	assert.Empty(t, m.Sessions())
	assert.False(t, m.Alive(17))
	_, ok := m.SinkIndex(17)
	assert.False(t, ok)
}

func TestManagerStart_ReplacesExisting(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)
	defer m.StopAll()

	_, err := m.Start(17, "offer one")
	require.NoError(t, err)
	_, err = m.Start(17, "offer two")
	require.NoError(t, err)

	assert.Equal(t, []int{17}, m.Sessions())
}

func TestManagerQueueTimeout(t *testing.T) {
	g := &fakeGraph{}
	m := newTestManager(t, g)
	m.cfg.StartWait = 50 * time.Millisecond

	// occupy the head of the queue without releasing it
	require.NoError(t, m.acquireStartSlot(1))
	defer m.releaseStartSlot(1)

	err := m.acquireStartSlot(2)
	assert.ErrorIs(t, err, ErrStartTimeout)
}
