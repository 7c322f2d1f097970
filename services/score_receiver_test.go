package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
	"pgregory.net/rapid"
)

// mockSessionView 是状态可由测试控制的会话视图
type mockSessionView struct {
	mutex  sync.Mutex
	status entities.SessionStatus
}

func (mv *mockSessionView) ID() string {
	return "session-test"
}

func (mv *mockSessionView) Status() entities.SessionStatus {
	mv.mutex.Lock()
	defer mv.mutex.Unlock()
	return mv.status
}

func (mv *mockSessionView) setStatus(status entities.SessionStatus) {
	mv.mutex.Lock()
	defer mv.mutex.Unlock()
	mv.status = status
}

func scorePayload(sequence uint64, fields map[string]string) []byte {
	return utils.EncodeScoreUpdate(entities.ScoreUpdate{Sequence: sequence, Sport: entities.SportVolleyball, Fields: fields})
}

// TestScoreReceiverMonotonic 验证无论更新以什么顺序到达，发布的序号只增不减
func TestScoreReceiverMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		view := &mockSessionView{status: entities.StatusLive}
		board := NewScoreBoard()
		receiver := NewScoreReceiver(view, board, clockwork.NewFakeClock(), time.Second)
		sequences := rapid.SliceOfN(rapid.Uint64Range(1, 50), 1, 40).Draw(rt, "sequences")

		var highest uint64
		for _, seq := range sequences {
			snapshot, err := receiver.OnMessage(scorePayload(seq, map[string]string{"score0": "1"}))
			if err != nil {
				rt.Fatalf("OnMessage(%d) failed: %v", seq, err)
			}
			if seq > highest {
				if snapshot == nil || snapshot.Sequence() != seq {
					rt.Fatalf("update %d should have been accepted", seq)
				}
				highest = seq
			} else if snapshot != nil {
				rt.Fatalf("update %d accepted after %d", seq, highest)
			}
			if latest := board.Latest(); latest == nil || latest.Sequence() != highest {
				rt.Fatalf("board shows %v, want sequence %d", latest, highest)
			}
		}
		if receiver.LastSequence() != highest {
			rt.Fatalf("LastSequence %d, want %d", receiver.LastSequence(), highest)
		}
	})
}

// TestScoreReceiverMalformed 验证无法解析的帧被报告，比分板不受影响
func TestScoreReceiverMalformed(t *testing.T) {
	view := &mockSessionView{status: entities.StatusLive}
	board := NewScoreBoard()
	receiver := NewScoreReceiver(view, board, clockwork.NewFakeClock(), time.Second)
	if _, err := receiver.OnMessage(scorePayload(1, map[string]string{"team0": "Lions"})); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	for _, payload := range [][]byte{{0xff, 0xff}, scorePayload(0, nil)} {
		if _, err := receiver.OnMessage(payload); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("expected ErrMalformedFrame, got %v", err)
		}
	}
	latest := board.Latest()
	if latest == nil || latest.Sequence() != 1 {
		t.Fatalf("board changed by malformed frame: %v", latest)
	}
	if team, _ := latest.Field("team0"); team != "Lions" {
		t.Errorf("expected team0 Lions, got %q", team)
	}
}

// TestScoreReceiverBuffersUntilLive 验证 Live 之前收到的更新在 flush 时按序应用
func TestScoreReceiverBuffersUntilLive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := &mockSessionView{status: entities.StatusWaiting}
	board := NewScoreBoard()
	receiver := NewScoreReceiver(view, board, clock, 5*time.Second)

	for _, seq := range []uint64{3, 2, 1} {
		snapshot, err := receiver.OnMessage(scorePayload(seq, map[string]string{"score0": "x"}))
		if err != nil || snapshot != nil {
			t.Fatalf("expected buffering, got %v %v", snapshot, err)
		}
	}
	if board.Latest() != nil {
		t.Fatal("board should be empty before Live")
	}
	view.setStatus(entities.StatusLive)
	receiver.Flush()
	if latest := board.Latest(); latest == nil || latest.Sequence() != 3 {
		t.Fatalf("expected sequence 3 after flush, got %v", latest)
	}
	if receiver.LastSequence() != 3 {
		t.Errorf("expected last sequence 3, got %d", receiver.LastSequence())
	}
}

// TestScoreReceiverDropsExpired 验证缓存超过窗口的更新被丢弃
func TestScoreReceiverDropsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	view := &mockSessionView{status: entities.StatusStale}
	board := NewScoreBoard()
	receiver := NewScoreReceiver(view, board, clock, 5*time.Second)

	receiver.OnMessage(scorePayload(1, nil))
	clock.Advance(6 * time.Second)
	receiver.OnMessage(scorePayload(2, nil))
	view.setStatus(entities.StatusLive)
	receiver.Flush()
	if latest := board.Latest(); latest == nil || latest.Sequence() != 2 {
		t.Fatalf("expected only sequence 2, got %v", latest)
	}

	clock.Advance(6 * time.Second)
	view.setStatus(entities.StatusStale)
	receiver.OnMessage(scorePayload(3, nil))
	clock.Advance(6 * time.Second)
	view.setStatus(entities.StatusLive)
	receiver.Flush()
	if latest := board.Latest(); latest.Sequence() != 2 {
		t.Errorf("expired update applied: %d", latest.Sequence())
	}
}

// TestScoreSnapshotImmutable 验证快照不受之后对源字段表的修改影响
func TestScoreSnapshotImmutable(t *testing.T) {
	fields := map[string]string{"score0": "10"}
	snapshot := entities.NewScoreSnapshot("s", 1, entities.SportBasketball, fields)
	fields["score0"] = "99"
	copied := snapshot.Fields()
	copied["score0"] = "42"
	if value, _ := snapshot.Field("score0"); value != "10" {
		t.Errorf("snapshot mutated: %q", value)
	}
}

// TestSessionFlushesScoresOnLive 验证等待期间收到的比分在第一个 pong 到达后出现
func TestSessionFlushesScoresOnLive(t *testing.T) {
	session, conn, board := newTestSession(clockwork.NewFakeClock())
	defer session.Close(nil)
	session.transition(entities.StatusWaiting)
	go session.readLoop()

	conn.inbound <- entities.Frame{Type: constants.FrameScore, Payload: scorePayload(7, map[string]string{"score1": "3"})}
	conn.inbound <- entities.Frame{Type: constants.FramePong, Payload: utils.NewHeartbeatNonce()}
	waitForStatus(t, session, entities.StatusLive)
	waitFor(t, time.Second, "flushed score", func() bool {
		latest := board.Latest()
		return latest != nil && latest.Sequence() == 7 && latest.SessionID() == session.ID()
	})
}
