package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testConn struct {
	id     string
	userId int64
}

func (c *testConn) ID() string          { return c.id }
func (c *testConn) UserID() int64       { return c.userId }
func (c *testConn) Send(_ []byte) error { return nil }

func TestRegisterDeregister(t *testing.T) {
	r := New()
	c1 := &testConn{id: "c1", userId: 1}
	c2 := &testConn{id: "c2", userId: 1}

	assert.True(t, r.Register(1, c1), "expected first connection to report first")
	assert.False(t, r.Register(1, c2), "expected second connection not to report first")
	assert.Len(t, r.SessionsFor(1), 2, "expected 2 sessions for user")

	assert.False(t, r.Deregister(1, c1), "expected removing one of two connections not to report last")
	assert.True(t, r.Deregister(1, c2), "expected removing final connection to report last")
	assert.Empty(t, r.SessionsFor(1), "expected no sessions after deregistering all")

	users, _ := r.Len()
	assert.Equal(t, 0, users, "expected no dangling entries")
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := New()
	c := &testConn{id: "c1", userId: 7}

	assert.True(t, r.Register(7, c))
	assert.True(t, r.Deregister(7, c), "expected first deregister to report last")
	assert.False(t, r.Deregister(7, c), "expected second deregister to be a no-op")
	assert.False(t, r.Deregister(8, c), "expected deregister under another user to be a no-op")

	assert.True(t, r.Register(7, c), "expected re-registration to report first again")
}

func TestRegisterSameConnectionTwice(t *testing.T) {
	r := New()
	c := &testConn{id: "c1", userId: 1}

	assert.True(t, r.Register(1, c))
	assert.False(t, r.Register(1, c), "expected duplicate register not to report first")
	assert.Len(t, r.SessionsFor(1), 1, "expected duplicate register not to add a second entry")
}

func TestConnectionInAtMostOneSet(t *testing.T) {
	r := New()
	c := &testConn{id: "c1", userId: 1}

	r.Register(1, c)
	r.Register(2, c)

	assert.Empty(t, r.SessionsFor(1), "expected connection to be moved out of the first user's set")
	assert.Len(t, r.SessionsFor(2), 1, "expected connection in the second user's set")

	r.RegisterFamily(10, c)
	r.RegisterFamily(11, c)
	assert.Empty(t, r.SessionsForFamily(10), "expected connection to be moved out of the first family's set")
	assert.Len(t, r.SessionsForFamily(11), 1, "expected connection in the second family's set")
}

func TestFamilySessions(t *testing.T) {
	r := New()
	c1 := &testConn{id: "c1", userId: 1}
	c2 := &testConn{id: "c2", userId: 2}

	r.RegisterFamily(5, c1)
	r.RegisterFamily(5, c2)
	assert.ElementsMatch(t, []Conn{c1, c2}, r.SessionsForFamily(5))
	assert.Empty(t, r.SessionsForFamily(6))

	r.DeregisterFamily(5, c1)
	r.DeregisterFamily(5, c1)
	assert.ElementsMatch(t, []Conn{c2}, r.SessionsForFamily(5))

	_, families := r.Len()
	assert.Equal(t, 1, families)
}

func TestSessionsForReturnsCopy(t *testing.T) {
	r := New()
	c := &testConn{id: "c1", userId: 1}
	r.Register(1, c)

	sessions := r.SessionsFor(1)
	r.Deregister(1, c)

	assert.Len(t, sessions, 1, "expected earlier snapshot to be unaffected by later mutation")
}

func TestConcurrentRegisterDeregister(t *testing.T) {
	r := New()

	const users = 50
	const connsPerUser = 20

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts = make(map[int64]int)
		lasts  = make(map[int64]int)
		conns  = make(map[int64][]*testConn)
	)

	for u := int64(0); u < users; u++ {
		for i := 0; i < connsPerUser; i++ {
			conns[u] = append(conns[u], &testConn{id: fmt.Sprintf("%d-%d", u, i), userId: u})
		}
	}

	for u := int64(0); u < users; u++ {
		for _, c := range conns[u] {
			wg.Add(1)
			go func(u int64, c *testConn) {
				defer wg.Done()
				if r.Register(u, c) {
					mu.Lock()
					firsts[u]++
					mu.Unlock()
				}
			}(u, c)
		}
	}
	wg.Wait()

	users0, _ := r.Len()
	assert.Equal(t, users*connsPerUser, users0, "expected every connection to be registered")

	for u := int64(0); u < users; u++ {
		for _, c := range conns[u] {
			wg.Add(1)
			go func(u int64, c *testConn) {
				defer wg.Done()
				if r.Deregister(u, c) {
					mu.Lock()
					lasts[u]++
					mu.Unlock()
				}
				// a second deregister from another code path must be harmless
				r.Deregister(u, c)
			}(u, c)
		}
	}
	wg.Wait()

	for u := int64(0); u < users; u++ {
		assert.Equal(t, 1, firsts[u], "expected exactly one first connection for user %d", u)
		assert.Equal(t, 1, lasts[u], "expected exactly one last connection for user %d", u)
	}

	usersN, _ := r.Len()
	assert.Equal(t, 0, usersN, "expected registry to be empty")
}

func TestConns(t *testing.T) {
	r := New()
	r.Register(1, &testConn{id: "c1", userId: 1})
	r.Register(2, &testConn{id: "c2", userId: 2})
	r.RegisterFamily(3, &testConn{id: "f1", userId: 1})

	ids := make([]string, 0)
	for _, c := range r.Conns() {
		ids = append(ids, c.ID())
	}
	assert.ElementsMatch(t, []string{"c1", "c2", "f1"}, ids, "expected every user and family connection")
}

func TestUsers(t *testing.T) {
	r := New()
	r.Register(1, &testConn{id: "a", userId: 1})
	r.Register(1, &testConn{id: "b", userId: 1})
	r.Register(2, &testConn{id: "c", userId: 2})
	r.RegisterFamily(9, &testConn{id: "d", userId: 3})

	assert.ElementsMatch(t, []int64{1, 2}, r.Users(), "expected each connected user once and no family keys")

	r.Deregister(2, &testConn{id: "c", userId: 2})
	assert.Equal(t, []int64{1}, r.Users())
}
