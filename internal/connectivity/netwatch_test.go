package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) NotifyOnline()  { r.add("online") }
func (r *recordingNotifier) NotifyOffline() { r.add("offline") }

func (r *recordingNotifier) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingNotifier) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var (
	loopbackOnly = psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
	}
	wifiUp = psnet.InterfaceStatList{
		loopbackOnly[0],
		{Name: "wlan0", Flags: []string{"up", "broadcast", "multicast"}, Addrs: psnet.InterfaceAddrList{{Addr: "192.168.1.20/24"}}},
	}
	wifiNoAddr = psnet.InterfaceStatList{
		loopbackOnly[0],
		{Name: "wlan0", Flags: []string{"up", "broadcast"}},
	}
)

func TestHasUsableInterface(t *testing.T) {
	assert.False(t, HasUsableInterface(nil))
	assert.False(t, HasUsableInterface(loopbackOnly))
	assert.False(t, HasUsableInterface(wifiNoAddr))
	assert.True(t, HasUsableInterface(wifiUp))
}

func TestNetWatcherReportsTransitions(t *testing.T) {
	seq := []psnet.InterfaceStatList{wifiUp, wifiUp, loopbackOnly, loopbackOnly, wifiUp}
	var mu sync.Mutex
	i := 0

	n := &recordingNotifier{}
	w := NewNetWatcher(n, 5*time.Millisecond)
	w.list = func(ctx context.Context) (psnet.InterfaceStatList, error) {
		mu.Lock()
		defer mu.Unlock()
		cur := seq[min(i, len(seq)-1)]
		i++
		return cur, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(n.get()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"online", "offline", "online"}, n.get())
}
