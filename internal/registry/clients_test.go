package registry

import (
	"net"
	"testing"

	"gotest.tools/v3/assert"
)

func TestClientsDedupesIdenticalRetransmission(t *testing.T) {
	c := NewClients()
	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}
	key := NewClientKey(peer, []byte{0, 1, 'a', 0})

	assert.Assert(t, c.TryAdd(key))
	assert.Assert(t, !c.TryAdd(key), "retransmitted initial request should be deduped")
	assert.Equal(t, c.Len(), 1)

	c.Remove(key)
	assert.Equal(t, c.Len(), 0)
	assert.Assert(t, c.TryAdd(key), "key should be usable again after removal")
}

func TestClientsDistinguishesPeersAndBytes(t *testing.T) {
	c := NewClients()
	peerA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	peerB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
	bytes1 := []byte{0, 1, 'a', 0}
	bytes2 := []byte{0, 1, 'b', 0}

	assert.Assert(t, c.TryAdd(NewClientKey(peerA, bytes1)))
	assert.Assert(t, c.TryAdd(NewClientKey(peerB, bytes1)), "different peer is a different session")
	assert.Assert(t, c.TryAdd(NewClientKey(peerA, bytes2)), "different initial bytes is a different session")
	assert.Equal(t, c.Len(), 3)
}
