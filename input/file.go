package input

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/mainloop"
	"github.com/evflow/evflow/module"
	"github.com/evflow/evflow/output"
)

// File input configuration keys.
const (
	FilePathKey       = "filePath"
	LoopKey           = "loop"
	PacketIntervalKey = "packetInterval"
)

// DefaultPacketInterval is the default time span, in microseconds, of the data read per tick.
const DefaultPacketInterval = 10000

// FileConfig is the configuration of a FileInput.
type FileConfig struct {
	FilePath string `json:"filePath"`
	// Loop restarts the recording at its end instead of stopping.
	Loop bool `json:"loop"`
	// PacketInterval is the time span, in microseconds, of the packets put in one container.
	PacketInterval int `json:"packetInterval"`
}

// FileInput replays a recording written by output.FileOutput. Each tick it emits the packets
// whose first timestamp falls within PacketInterval of the first packet of the tick.
type FileInput struct {
	cfg    FileConfig
	file   *os.File
	reader *bufio.Reader
	header output.StreamHeader
	// next is the packet read ahead that starts the following container.
	next    *event.Packet
	packets uint64
	loops   int
}

// Init opens the recording and publishes the geometry of the source.
func (f *FileInput) Init(inst *module.Instance) error {
	if err := inst.Node.PutStringIfAbsent(FilePathKey, ""); err != nil {
		inst.Logger.Warnw("keeping existing file path", "error", err)
	}
	if err := inst.Node.PutBoolIfAbsent(LoopKey, false); err != nil {
		inst.Logger.Warnw("keeping existing loop setting", "error", err)
	}
	if err := inst.Node.PutIntIfAbsent(PacketIntervalKey, DefaultPacketInterval); err != nil {
		inst.Logger.Warnw("keeping existing packet interval", "error", err)
	}
	if err := inst.Node.Decode(&f.cfg); err != nil {
		return errors.Wrap(err, "reading file input configuration")
	}
	if f.cfg.FilePath == "" {
		return errors.Errorf("%s must be set", FilePathKey)
	}
	if f.cfg.PacketInterval <= 0 {
		return errors.Errorf("%s must be positive, got %d", PacketIntervalKey, f.cfg.PacketInterval)
	}

	geometry, err := readGeometry(inst)
	if err != nil {
		return err
	}
	if err := f.open(); err != nil {
		return err
	}
	if err := publishGeometry(inst, geometry); err != nil {
		inst.Logger.Warnw("downstream modules will not know the geometry", "error", err)
	}
	inst.Logger.Infow("replaying recording", "path", f.cfg.FilePath, "recordedSource", f.header.Source, "loop", f.cfg.Loop)
	return nil
}

func (f *FileInput) open() error {
	file, err := os.Open(f.cfg.FilePath)
	if err != nil {
		return errors.Wrap(err, "opening recording")
	}
	reader := bufio.NewReader(file)
	header, err := output.ReadStreamHeader(reader)
	if err != nil {
		//nolint:errcheck
		file.Close()
		return errors.Wrapf(err, "reading %s", f.cfg.FilePath)
	}
	f.file = file
	f.reader = reader
	f.header = header
	return nil
}

// Run adds the packets of the next time slice to the tick's container.
func (f *FileInput) Run(inst *module.Instance, tick *mainloop.Tick) {
	var end int64
	added := 0
	for {
		p, err := f.read(inst)
		if err != nil {
			f.stop(inst, err)
			return
		}
		if p == nil {
			if f.cfg.Loop && f.packets > 0 {
				f.rewind(inst, tick.Mainloop)
				return
			}
			f.stop(inst, nil)
			return
		}
		if added == 0 {
			end = p.FirstTimestamp() + int64(f.cfg.PacketInterval)
		} else if p.FirstTimestamp() >= end {
			f.next = p
			return
		}
		tick.Container.Add(p)
		added++
	}
}

// read returns the read-ahead packet or the next one of the file, relabeled with this module's
// source id. It returns nil at the end of the recording.
func (f *FileInput) read(inst *module.Instance) (*event.Packet, error) {
	if p := f.next; p != nil {
		f.next = nil
		return p, nil
	}
	for {
		p, err := output.ReadPacket(f.reader)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if p.Empty() {
			continue
		}
		p.Source = inst.ID
		f.packets++
		return p, nil
	}
}

// rewind starts the recording over. Its timestamps start over too, so the downstream modules are
// reset the way they are for a device whose clock restarted.
func (f *FileInput) rewind(inst *module.Instance, ml *mainloop.Mainloop) {
	//nolint:errcheck
	f.file.Close()
	if err := f.open(); err != nil {
		f.file = nil
		f.stop(inst, err)
		return
	}
	f.loops++
	inst.Logger.Debugw("recording restarted", "loop", f.loops)
	ml.ResetProcessors(inst.ID)
	ml.ResetOutputs(inst.ID)
}

func (f *FileInput) stop(inst *module.Instance, err error) {
	if err != nil {
		inst.Logger.Errorw("failed to read recording, stopping", "error", err)
	} else {
		inst.Logger.Infow("end of recording", "packets", f.packets)
	}
	if err := inst.SetEnabled(false); err != nil {
		inst.Logger.Warnw("failed to disable input", "error", err)
	}
}

// Exit closes the recording.
func (f *FileInput) Exit(inst *module.Instance) {
	if f.file == nil {
		return
	}
	if err := f.file.Close(); err != nil {
		inst.Logger.Warnw("failed to close recording", "error", err)
	}
}
