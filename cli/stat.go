package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/output"
)

// typeSummary accumulates the packets of one event type.
type typeSummary struct {
	typ            event.TypeID
	packets        int
	events, valid  int
	first, last    int64
	hasTimestamps  bool
	outOfOrder     int
	lastPacketTime int64
}

func (s *typeSummary) add(p *event.Packet) {
	s.packets++
	s.events += p.Len()
	s.valid += p.ValidCount()
	if p.Empty() {
		return
	}
	if s.hasTimestamps && p.FirstTimestamp() < s.lastPacketTime {
		s.outOfOrder++
	}
	s.lastPacketTime = p.FirstTimestamp()
	if !s.hasTimestamps || p.FirstTimestamp() < s.first {
		s.first = p.FirstTimestamp()
	}
	if !s.hasTimestamps || p.LastTimestamp() > s.last {
		s.last = p.LastTimestamp()
	}
	s.hasTimestamps = true
}

// StatAction prints a summary of a recording.
func StatAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one FILE argument")
	}
	path := c.Args().First()
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	if info, err := f.Stat(); err == nil {
		fmt.Fprintf(c.App.Writer, "%s: %s\n", path, units.HumanSize(float64(info.Size())))
	}
	return printStat(c.App.Writer, bufio.NewReader(f), c.Bool(packetsFlag))
}

func printStat(out io.Writer, r io.Reader, perPacket bool) error {
	header, err := output.ReadStreamHeader(r)
	if err != nil {
		return errors.Wrap(err, "reading stream header")
	}
	fmt.Fprintf(out, "source %d, version %d, format %d\n", header.Source, header.Version, header.Format)

	packets := table.NewWriter()
	packets.AppendHeader(table.Row{"#", "Type", "Source", "Events", "Valid", "First", "Last"})
	var (
		summaries []*typeSummary
		byType    = map[event.TypeID]*typeSummary{}
		count     int
		readErr   error
	)
	for {
		p, err := output.ReadPacket(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = errors.Wrapf(err, "reading packet %d", count)
			break
		}
		count++
		if perPacket {
			packets.AppendRow(table.Row{count, p.Type, p.Source, p.Len(), p.ValidCount(), p.FirstTimestamp(), p.LastTimestamp()})
		}
		s, ok := byType[p.Type]
		if !ok {
			s = &typeSummary{typ: p.Type}
			byType[p.Type] = s
			summaries = append(summaries, s)
		}
		s.add(p)
	}

	if perPacket {
		fmt.Fprintln(out, packets.Render())
	}
	types := table.NewWriter()
	types.AppendHeader(table.Row{"Type", "Packets", "Events", "Valid", "First", "Last", "Out of order"})
	var totalEvents, totalValid int
	for _, s := range summaries {
		types.AppendRow(table.Row{s.typ, s.packets, s.events, s.valid, s.first, s.last, s.outOfOrder})
		totalEvents += s.events
		totalValid += s.valid
	}
	types.AppendFooter(table.Row{"Total", count, totalEvents, totalValid, "", "", ""})
	fmt.Fprintln(out, types.Render())
	return readErr
}
