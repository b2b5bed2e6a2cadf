package cli

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/logging"
	"github.com/evflow/evflow/module"
	"github.com/evflow/evflow/output"
)

// lockedBuffer collects what the pipelines log from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runApp(ctx context.Context, args ...string) (string, error) {
	var out, errOut lockedBuffer
	err := NewApp(&out, &errOut).RunContext(ctx, append([]string{"evflow"}, args...))
	return out.String(), err
}

func TestDumpConfig(t *testing.T) {
	out, err := runApp(context.Background(), "dump-config")
	test.That(t, err, test.ShouldBeNil)

	tree := config.NewTree()
	test.That(t, tree.Load(strings.NewReader(out)), test.ShouldBeNil)
	test.That(t, pipelineIDs(tree), test.ShouldResemble, []int{defaultPipelineID})
	test.That(t, tree.Node("/mainloop/1/2-Generator/").GetBool(module.RunAtStartupKey), test.ShouldBeTrue)
	test.That(t, tree.Node("/mainloop/1/3-Statistics/").GetBool(module.RunAtStartupKey), test.ShouldBeTrue)
	test.That(t, tree.Node("/mainloop/1/1-FileInput/").GetBool(module.RunAtStartupKey), test.ShouldBeFalse)
	fileOutput := tree.Node("/mainloop/1/4-FileOutput/")
	test.That(t, fileOutput.GetBool(module.RunAtStartupKey), test.ShouldBeFalse)
	test.That(t, fileOutput.GetInt(output.BufferSizeKey), test.ShouldEqual, output.DefaultBufferSize)
	test.That(t, tree.Node(loggerPath).GetString(logLevelKey), test.ShouldEqual, "info")
}

func TestModules(t *testing.T) {
	tree, err := defaultTree()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Node("/mainloop/1/4-FileOutput/").PutBool(module.EnabledKey, true), test.ShouldBeNil)
	test.That(t, tree.Node("/mainloop/2/").PutString("name", "second"), test.ShouldBeNil)
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, tree.SaveFile(path), test.ShouldBeNil)

	out, err := runApp(context.Background(), "modules", "--config", path)
	test.That(t, err, test.ShouldBeNil)
	for _, st := range stages {
		test.That(t, strings.Count(out, " "+st.name+" "), test.ShouldEqual, 2)
	}
	test.That(t, out, test.ShouldContainSubstring, module.RoleProcessor.String())
	test.That(t, out, test.ShouldContainSubstring, module.RoleOutput.String())

	_, err = runApp(context.Background(), "modules", "--config", filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func writeTestRecording(t *testing.T) string {
	t.Helper()
	reset := event.NewPacket(event.Special, 7, event.SpecialSize, 1)
	test.That(t, reset.Append(0, true, []byte{event.SpecialTimestampReset}), test.ShouldBeNil)
	first := event.NewPacket(event.Polarity, 7, event.PolaritySize, 3)
	second := event.NewPacket(event.Polarity, 7, event.PolaritySize, 2)
	for i := int64(1); i <= 3; i++ {
		test.That(t, first.Append(i, i != 2, event.PolarityData(1, 2, true)), test.ShouldBeNil)
	}
	for i := int64(10); i <= 11; i++ {
		test.That(t, second.Append(i, true, event.PolarityData(3, 4, false)), test.ShouldBeNil)
	}

	data := output.StreamHeader{Version: output.StreamVersion, Format: output.FormatRaw, Source: 7}.AppendBinary(nil)
	for _, p := range []*event.Packet{reset, first, second} {
		data = output.AppendPacket(data, p)
	}
	path := filepath.Join(t.TempDir(), "recording.aedat")
	test.That(t, os.WriteFile(path, data, 0o600), test.ShouldBeNil)
	return path
}

func TestStat(t *testing.T) {
	path := writeTestRecording(t)

	out, err := runApp(context.Background(), "stat", path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "source 7")
	test.That(t, out, test.ShouldContainSubstring, "SPECIAL")
	test.That(t, out, test.ShouldContainSubstring, "POLARITY")
	test.That(t, out, test.ShouldNotContainSubstring, "FRAME")

	var buf bytes.Buffer
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, printStat(&buf, bytes.NewReader(data), true), test.ShouldBeNil)
	// One row per packet plus the per type summary.
	test.That(t, strings.Count(buf.String(), "POLARITY"), test.ShouldEqual, 3)

	// A truncated file still prints what could be read.
	buf.Reset()
	err = printStat(&buf, bytes.NewReader(data[:len(data)-3]), false)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "packet 2")
	test.That(t, buf.String(), test.ShouldContainSubstring, "POLARITY")

	_, err = runApp(context.Background(), "stat")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTypeSummary(t *testing.T) {
	s := &typeSummary{typ: event.Polarity}
	for _, ts := range []int64{10, 5, 20} {
		p := event.NewPacket(event.Polarity, 1, event.PolaritySize, 1)
		test.That(t, p.Append(ts, ts != 5, event.PolarityData(0, 0, true)), test.ShouldBeNil)
		s.add(p)
	}
	s.add(event.NewPacket(event.Polarity, 1, event.PolaritySize, 0))
	test.That(t, s.packets, test.ShouldEqual, 4)
	test.That(t, s.events, test.ShouldEqual, 3)
	test.That(t, s.valid, test.ShouldEqual, 2)
	test.That(t, s.first, test.ShouldEqual, 5)
	test.That(t, s.last, test.ShouldEqual, 20)
	test.That(t, s.outOfOrder, test.ShouldEqual, 1)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	tree, err := defaultTree()
	test.That(t, err, test.ShouldBeNil)
	fileOutput := tree.Node("/mainloop/1/4-FileOutput/")
	test.That(t, fileOutput.PutBool(module.RunAtStartupKey, true), test.ShouldBeNil)
	test.That(t, fileOutput.PutString(output.DirectoryKey, dir), test.ShouldBeNil)
	test.That(t, fileOutput.PutString(output.PrefixKey, "generated"), test.ShouldBeNil)
	logFile := filepath.Join(dir, "logs", "evflow.log")
	test.That(t, tree.Node(loggerPath).PutString(logFileKey, logFile), test.ShouldBeNil)
	path := filepath.Join(dir, "config.json")
	test.That(t, tree.SaveFile(path), test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	defer logging.SetLevelOverrides(nil)
	out, err := runApp(ctx, "run", "--config", path, "--log-level", "/mainloop/*/3-Statistics/=error")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "all pipelines stopped")
	test.That(t, out, test.ShouldNotContainSubstring, "\tevent rate\t")

	logged, err := os.ReadFile(logFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logged), test.ShouldContainSubstring, "starting")

	files, err := filepath.Glob(filepath.Join(dir, "generated-*"+output.FileExtension))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, files, test.ShouldHaveLength, 1)
	f, err := os.Open(files[0])
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	r := bufio.NewReader(f)
	header, err := output.ReadStreamHeader(r)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, header.Source, test.ShouldEqual, 2)

	first, err := output.ReadPacket(r)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first.Type, test.ShouldEqual, event.Special)
	polarity := 0
	for {
		p, err := output.ReadPacket(r)
		if errors.Is(err, io.EOF) {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p.Type, test.ShouldEqual, event.Polarity)
		polarity += p.Len()
	}
	test.That(t, polarity, test.ShouldBeGreaterThan, 0)
}

func TestRunRequiresConfig(t *testing.T) {
	_, err := runApp(context.Background(), "run")
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(t.TempDir(), "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"children":{"logger":{"attributes":{"logLevel":{"type":"string","value":"loud"}}}}}`), 0o600), test.ShouldBeNil)
	_, err = runApp(context.Background(), "run", "--config", bad)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown log level")
}

func TestLevelOverrides(t *testing.T) {
	overrides, err := levelOverrides([]string{"/mainloop/1/*/=warn", "/mainloop/*/2-Generator/=debug"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, overrides, test.ShouldHaveLength, 2)
	test.That(t, overrides[1].Level, test.ShouldEqual, logging.DEBUG)

	_, err = levelOverrides([]string{"/mainloop/1/*/"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, levelFlag)
}
