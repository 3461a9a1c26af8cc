//go:build linux

// Package sameuser checks that loopback connections to the agent come
// from the user running the instrumented process.
package sameuser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-delve/framelock/pkg/logflags"
)

// for testing
var (
	uid      = os.Getuid()
	readFile = os.ReadFile
)

type errConnectionNotFound struct {
	filename string
}

func (e *errConnectionNotFound) Error() string {
	return fmt.Sprintf("connection not found in %s", e.filename)
}

// ownerOf returns the uid owning the socket of the client end of the
// connection, as listed in a /proc/net/tcp table. Addresses are in the
// kernel's hexadecimal format.
func ownerOf(filename, serverAddr, clientAddr string) (uint, error) {
	b, err := readFile(filename)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var (
			sl            int
			local, remote string
			state         int
			queue, timer  string
			retransmit    int
			owner         uint
		)
		// %d and not %5d: uids can be longer than the kernel's padding.
		n, err := fmt.Sscanf(line, "%4d: %s %s %02X %s %s %08X %d",
			&sl, &local, &remote, &state, &queue, &timer, &retransmit, &owner)
		if n != 8 || err != nil {
			continue // header
		}
		// The entry of the client socket has the addresses swapped.
		if local == clientAddr && remote == serverAddr {
			return owner, nil
		}
	}
	return 0, &errConnectionNotFound{filename}
}

func hex4(addr *net.TCPAddr) string {
	b := addr.IP.To4()
	return fmt.Sprintf("%02X%02X%02X%02X:%04X", b[3], b[2], b[1], b[0], addr.Port)
}

func hex6(addr *net.TCPAddr) string {
	words := make([]uint32, 4)
	if err := binary.Read(bytes.NewReader(addr.IP.To16()), binary.LittleEndian, words); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%08X%08X%08X%08X:%04X", words[0], words[1], words[2], words[3], addr.Port)
}

func clientOwner(server, client *net.TCPAddr) (uint, error) {
	if client.IP.To4() == nil {
		return ownerOf("/proc/net/tcp6", hex6(server), hex6(client))
	}
	owner, err := ownerOf("/proc/net/tcp", hex4(server), hex4(client))
	if _, notFound := err.(*errConnectionNotFound); notFound {
		// IPv4 connection to a dual stack socket.
		const mapped = "0000000000000000FFFF0000"
		if owner, err6 := ownerOf("/proc/net/tcp6", mapped+hex4(server), mapped+hex4(client)); err6 == nil {
			return owner, nil
		}
	}
	return owner, err
}

// CanAccept reports whether a connection from remoteAddr, accepted on
// localAddr by a listener bound to listenAddr, may be served. Connections
// to loopback listeners are only accepted from the same user.
func CanAccept(listenAddr, localAddr, remoteAddr net.Addr, log logflags.Logger) bool {
	laddr, ok := listenAddr.(*net.TCPAddr)
	if !ok || !laddr.IP.IsLoopback() {
		return true
	}
	server, ok1 := localAddr.(*net.TCPAddr)
	client, ok2 := remoteAddr.(*net.TCPAddr)
	if !ok1 || !ok2 {
		return false
	}
	owner, err := clientOwner(server, client)
	if err != nil {
		log.Warnf("cannot check remote address %v: %v", client, err)
		return false
	}
	if owner != uint(uid) {
		log.Warnf("closing connection from user %d (%v): connections to localhost are only accepted from user %d", owner, client, uid)
		return false
	}
	return true
}
