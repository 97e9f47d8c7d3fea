package mquic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gordian-engine/modnet/mtransport"
	"github.com/quic-go/quic-go"
)

// headerTimeout bounds how long an inbound stream may take to name its port.
const headerTimeout = 5 * time.Second

// peerConn is one QUIC connection to a remote peer.
type peerConn struct {
	peer mtransport.PeerID
	qc   *quic.Conn

	// Virtual connections by stream, for routing datagrams.
	// Guarded by Transport.mu.
	streams map[quic.StreamID]*vconn
}

// vconn is one virtual connection.
// Fields other than the immutable ones are guarded by Transport.mu.
type vconn struct {
	h       mtransport.Handle
	peer    mtransport.PeerID
	port    mtransport.Port
	inbound bool

	// Nil until the stream is open.
	pc *peerConn
	s  *quic.Stream

	established bool
	code        mtransport.CloseCode
	stats       mtransport.Stats

	out chan []byte

	stopOnce sync.Once
	done     chan struct{}
}

// stop ends the writer goroutine.
func (vc *vconn) stop() {
	vc.stopOnce.Do(func() { close(vc.done) })
}

func resetStream(s *quic.Stream, code mtransport.CloseCode) {
	s.CancelWrite(quic.StreamErrorCode(code))
	s.CancelRead(quic.StreamErrorCode(code))
}

// acceptConnections serves every inbound QUIC connection until the listener closes.
func (t *Transport) acceptConnections() {
	defer t.wg.Done()

	for {
		qc, err := t.ql.Accept(t.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, quic.ErrServerClosed) {
				t.log.Info("Stopped accepting QUIC connections", "err", err)
			}
			return
		}

		peer, err := remotePeerID(qc)
		if err != nil {
			t.log.Info("Rejecting QUIC connection", "remote_addr", qc.RemoteAddr(), "err", err)
			_ = qc.CloseWithError(0, "no certificate")
			continue
		}

		t.log.Debug("Accepted QUIC connection", "peer", peer, "remote_addr", qc.RemoteAddr())
		pc := t.addPeerConn(peer, qc)
		if pc == nil {
			return
		}
	}
}

// addPeerConn registers qc and starts serving it.
// An existing connection to the peer stays preferred for new streams.
// It returns nil if the transport is closed.
func (t *Transport) addPeerConn(peer mtransport.PeerID, qc *quic.Conn) *peerConn {
	pc := &peerConn{
		peer:    peer,
		qc:      qc,
		streams: make(map[quic.StreamID]*vconn),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = qc.CloseWithError(0, "transport closed")
		return nil
	}
	if t.peers[peer] == nil {
		t.peers[peer] = pc
	}
	t.wg.Add(3)
	t.mu.Unlock()

	go t.acceptStreams(pc)
	go t.receiveDatagrams(pc)
	go t.forgetWhenClosed(pc)

	return pc
}

func (t *Transport) forgetWhenClosed(pc *peerConn) {
	defer t.wg.Done()

	<-pc.qc.Context().Done()

	t.mu.Lock()
	if t.peers[pc.peer] == pc {
		delete(t.peers, pc.peer)
	}
	t.mu.Unlock()

	t.log.Debug("QUIC connection closed", "peer", pc.peer)
}

// peerConnFor returns a QUIC connection to peer, dialing one if needed.
// Concurrent callers share a single dial.
func (t *Transport) peerConnFor(peer mtransport.PeerID) (*peerConn, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, mtransport.ErrClosed
		}
		if pc := t.peers[peer]; pc != nil {
			t.mu.Unlock()
			return pc, nil
		}
		if wait, ok := t.dialing[peer]; ok {
			t.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-t.ctx.Done():
				return nil, context.Cause(t.ctx)
			}
		}

		addr, ok := t.addrs[peer]
		if !ok {
			t.mu.Unlock()
			return nil, UnknownPeerError{Peer: peer}
		}
		wait := make(chan struct{})
		t.dialing[peer] = wait
		t.mu.Unlock()

		qc, err := t.dial(peer, addr)

		t.mu.Lock()
		delete(t.dialing, peer)
		close(wait)
		t.mu.Unlock()

		if err != nil {
			return nil, err
		}

		pc := t.addPeerConn(peer, qc)
		if pc == nil {
			return nil, mtransport.ErrClosed
		}
		return pc, nil
	}
}

func (t *Transport) dial(peer mtransport.PeerID, addr net.Addr) (*quic.Conn, error) {
	tlsConf := t.tlsConf.Clone()
	tlsConf.ServerName = t.serverName
	if tlsConf.ServerName == "" {
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil, fmt.Errorf("failed to derive server name from %s: %w", addr, err)
		}
		tlsConf.ServerName = host
	}

	qc, err := t.qt.Dial(t.ctx, addr, tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s at %s: %w", peer, addr, err)
	}

	got, err := remotePeerID(qc)
	if err == nil && got != peer {
		err = PeerMismatchError{Want: peer, Got: got}
	}
	if err != nil {
		_ = qc.CloseWithError(0, "unexpected peer")
		return nil, err
	}

	t.log.Debug("Dialed QUIC connection", "peer", peer, "remote_addr", addr)
	return qc, nil
}

// dialVirtual opens the stream for an outbound virtual connection
// and waits for the remote to accept or refuse it.
func (t *Transport) dialVirtual(vc *vconn) {
	defer t.wg.Done()

	pc, err := t.peerConnFor(vc.peer)
	if err != nil {
		t.log.Debug("Failed to reach peer", "peer", vc.peer, "err", err)
		t.remoteClosed(vc, mtransport.CodeProblemDetected)
		return
	}

	s, err := pc.qc.OpenStreamSync(t.ctx)
	if err != nil {
		t.log.Debug("Failed to open stream", "peer", vc.peer, "err", err)
		t.remoteClosed(vc, mtransport.CodeProblemDetected)
		return
	}

	t.mu.Lock()
	if t.conns[vc.h] != vc {
		// Closed while dialing.
		code := vc.code
		t.mu.Unlock()
		resetStream(s, code)
		return
	}
	vc.pc = pc
	vc.s = s
	pc.streams[s.StreamID()] = vc
	t.mu.Unlock()

	if _, err := s.Write(encodeHeader(vc.port)); err != nil {
		t.remoteClosed(vc, closeCode(err))
		return
	}

	r := bufio.NewReader(s)
	b, err := r.ReadByte()
	if err != nil {
		t.remoteClosed(vc, closeCode(err))
		return
	}
	if b != acceptByte {
		t.log.Info("Peer sent invalid accept", "peer", vc.peer, "byte", b)
		resetStream(s, mtransport.CodeProblemDetected)
		t.remoteClosed(vc, mtransport.CodeProblemDetected)
		return
	}

	t.mu.Lock()
	if t.conns[vc.h] != vc {
		t.mu.Unlock()
		return
	}
	vc.established = true
	t.pushLocked(mtransport.Event{
		Kind:   mtransport.Connected,
		Handle: vc.h,
		Peer:   vc.peer,
	})
	t.wg.Add(1)
	t.mu.Unlock()

	go t.writeLoop(vc)
	t.readLoop(vc, r)
}

func (t *Transport) acceptStreams(pc *peerConn) {
	defer t.wg.Done()

	for {
		s, err := pc.qc.AcceptStream(t.ctx)
		if err != nil {
			return
		}

		t.wg.Add(1)
		go t.handleInbound(pc, s)
	}
}

// handleInbound reads the header of an inbound stream
// and raises ConnectionRequested for it.
func (t *Transport) handleInbound(pc *peerConn, s *quic.Stream) {
	defer t.wg.Done()

	r := bufio.NewReader(s)
	hdr := make([]byte, headerSize)

	_ = s.SetReadDeadline(time.Now().Add(headerTimeout))
	if _, err := io.ReadFull(r, hdr); err != nil {
		t.log.Debug("Failed to read stream header", "peer", pc.peer, "err", err)
		resetStream(s, mtransport.CodeProblemDetected)
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	port, err := decodeHeader(hdr)
	if err != nil {
		t.log.Info("Peer sent invalid stream header", "peer", pc.peer, "err", err)
		resetStream(s, mtransport.CodeProblemDetected)
		return
	}

	if !t.limiter(pc.peer).Allow() {
		t.log.Info("Refusing connection over rate limit", "peer", pc.peer, "port", port)
		resetStream(s, mtransport.CodeRefused)
		return
	}

	t.mu.Lock()
	if _, ok := t.listening[port]; !ok || t.closed {
		t.mu.Unlock()
		resetStream(s, mtransport.CodeProblemDetected)
		return
	}

	vc := t.newVconnLocked(pc.peer, port, true)
	vc.pc = pc
	vc.s = s
	pc.streams[s.StreamID()] = vc
	t.pushLocked(mtransport.Event{
		Kind:   mtransport.ConnectionRequested,
		Handle: vc.h,
		Peer:   pc.peer,
		Port:   port,
	})
	t.wg.Add(1)
	t.mu.Unlock()

	go t.writeLoop(vc)
	t.readLoop(vc, r)
}

// readLoop raises MessageReceived for every frame until the stream fails.
func (t *Transport) readLoop(vc *vconn, r *bufio.Reader) {
	for {
		data, err := readFrame(r, t.maxMsg)
		if err != nil {
			code := closeCode(err)
			if code == mtransport.CodeProblemDetected {
				resetStream(vc.s, code)
			}
			t.remoteClosed(vc, code)
			return
		}

		t.mu.Lock()
		if t.conns[vc.h] != vc {
			t.mu.Unlock()
			return
		}
		vc.stats.MessagesReceived++
		vc.stats.BytesReceived += uint64(len(data))
		t.pushLocked(mtransport.Event{
			Kind:   mtransport.MessageReceived,
			Handle: vc.h,
			Peer:   vc.peer,
			Data:   data,
		})
		t.mu.Unlock()
	}
}

func (t *Transport) writeLoop(vc *vconn) {
	defer t.wg.Done()

	for {
		select {
		case <-vc.done:
			return
		case <-t.ctx.Done():
			return
		case b := <-vc.out:
			if _, err := vc.s.Write(b); err != nil {
				t.remoteClosed(vc, closeCode(err))
				return
			}
		}
	}
}

// remoteClosed raises Failed or Disconnected for vc,
// unless it was already closed locally.
func (t *Transport) remoteClosed(vc *vconn, code mtransport.CloseCode) {
	t.mu.Lock()
	if t.conns[vc.h] != vc {
		t.mu.Unlock()
		return
	}
	t.removeLocked(vc)

	kind := mtransport.Failed
	if vc.established {
		kind = mtransport.Disconnected
	}
	t.pushLocked(mtransport.Event{
		Kind:   kind,
		Handle: vc.h,
		Peer:   vc.peer,
		Code:   code,
	})
	t.mu.Unlock()

	vc.stop()
}

// receiveDatagrams raises MessageReceived for unreliable messages
// on established virtual connections.
func (t *Transport) receiveDatagrams(pc *peerConn) {
	defer t.wg.Done()

	for {
		b, err := pc.qc.ReceiveDatagram(t.ctx)
		if err != nil {
			return
		}

		id, data, err := decodeDatagram(b)
		if err != nil {
			t.log.Debug("Dropping datagram", "peer", pc.peer, "err", err)
			continue
		}

		t.mu.Lock()
		vc := pc.streams[id]
		if vc == nil || !vc.established || t.conns[vc.h] != vc {
			t.mu.Unlock()
			continue
		}
		vc.stats.MessagesReceived++
		vc.stats.BytesReceived += uint64(len(data))
		t.pushLocked(mtransport.Event{
			Kind:   mtransport.MessageReceived,
			Handle: vc.h,
			Peer:   vc.peer,
			Data:   data,
		})
		t.mu.Unlock()
	}
}
