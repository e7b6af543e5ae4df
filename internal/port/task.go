package port

import "github.com/linuxmatters/vpuenc/internal/media"

type taskState int

const (
	stateIdle        taskState = iota // waiting for the producer
	stateProducer                     // held by the producer
	stateReady                        // waiting for the consumer
	stateConsumer                     // held by the consumer
)

// Task is a reusable handle circulating between the two sides of a Queue.
// Payload travels in its Meta.
type Task struct {
	Meta  media.Meta
	index int
	state taskState
}

// Index returns the task's slot number within its queue
func (t *Task) Index() int {
	return t.index
}

// Frame returns the attached input frame
func (t *Task) Frame() *media.Frame {
	return t.Meta.Frame(media.KeyInputFrame)
}

// SetFrame attaches f as the input frame; nil detaches it
func (t *Task) SetFrame(f *media.Frame) {
	if f == nil {
		t.Meta.Delete(media.KeyInputFrame)
		return
	}
	t.Meta.Set(media.KeyInputFrame, f)
}

// Packet returns the attached output packet
func (t *Task) Packet() *media.Packet {
	return t.Meta.Packet(media.KeyOutputPacket)
}

// SetPacket attaches p as the output packet; nil detaches it
func (t *Task) SetPacket(p *media.Packet) {
	if p == nil {
		t.Meta.Delete(media.KeyOutputPacket)
		return
	}
	t.Meta.Set(media.KeyOutputPacket, p)
}

// MotionInfo returns the attached motion-info buffer
func (t *Task) MotionInfo() *media.Buffer {
	return t.Meta.Buffer(media.KeyMotionInfo)
}

// SetMotionInfo attaches a buffer for per-block motion output
func (t *Task) SetMotionInfo(b *media.Buffer) {
	if b == nil {
		t.Meta.Delete(media.KeyMotionInfo)
		return
	}
	t.Meta.Set(media.KeyMotionInfo, b)
}

// Reset detaches every payload reference without releasing it
func (t *Task) Reset() {
	t.Meta.Clear()
}
