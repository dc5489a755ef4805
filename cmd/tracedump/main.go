// Command tracedump decodes a raw ARM trace byte stream and prints one line
// per decoded packet, change bits included.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"armtrace/internal/common"
	"armtrace/internal/trace"
)

func bindFlags() {
	pflag.String("input", "-", "trace byte stream to decode ('-' for stdin)")
	pflag.String("protocol", "etm35", "protocol to decode: etm35 or mtb")
	pflag.Bool("alt-encoding", false, "use the alternative branch-address encoding (ETM35 only)")
	pflag.Int("context-bytes", 0, "context ID width in bytes: 0, 1, 2, or 4 (ETM35 only)")
	pflag.Bool("cycle-accurate", false, "enable cycle-accurate P-header decoding (ETM35 only)")
	pflag.Bool("data-only", false, "suppress I-Sync address collection (ETM35 only)")
	pflag.Bool("debug", false, "dump the full CPUState on every packet instead of a one-line summary")
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
}

func protocolFromFlag(name string) (trace.Protocol, error) {
	switch name {
	case "etm35":
		return trace.ProtocolETM35, nil
	case "mtb":
		return trace.ProtocolMTB, nil
	default:
		return 0, fmt.Errorf("unrecognised --protocol %q (want etm35 or mtb)", name)
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func summaryLine(n int, s trace.CPUState) string {
	bits := []trace.ChangeBit{
		trace.ChangeAddress, trace.ChangeExEntry, trace.ChangeExExit,
		trace.ChangeTrigger, trace.ChangeException, trace.ChangeVMID,
		trace.ChangeContextID, trace.ChangeTimestamp, trace.ChangeCycleCount,
		trace.ChangeEnatoms, trace.ChangeWatoms, trace.ChangeTraceStart,
		trace.ChangeLinear,
	}
	line := fmt.Sprintf("#%-5d addr=0x%08x mode=%s inst=%d", n, s.Addr, s.AddrMode, s.InstCount)
	for _, b := range bits {
		if s.Pending(b) {
			line += " " + b.String()
		}
	}
	return line
}

func main() {
	bindFlags()

	protocol, err := protocolFromFlag(viper.GetString("protocol"))
	if err != nil {
		log.Fatal(err)
	}

	cfg := trace.Config{
		Protocol:      protocol,
		AltEncoding:   viper.GetBool("alt-encoding"),
		ContextBytes:  viper.GetInt("context-bytes"),
		CycleAccurate: viper.GetBool("cycle-accurate"),
		DataOnlyMode:  viper.GetBool("data-only"),
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	in, err := openInput(viper.GetString("input"))
	if err != nil {
		log.Fatal(err)
	}
	defer in.Close()

	buf, err := io.ReadAll(in)
	if err != nil {
		log.Fatal(err)
	}

	reporter := common.NewStdReporter(common.SeverityError)
	d := trace.NewDecoder(cfg, reporter)
	d.ForceSync(true)

	debug := viper.GetBool("debug")
	n := 0
	d.Pump(buf, func(s trace.CPUState) {
		n++
		if debug {
			spew.Dump(s)
			return
		}
		fmt.Println(summaryLine(n, s))
	})

	stats := d.GetStats()
	fmt.Fprintf(os.Stderr, "packets=%d syncCount=%d lostSyncCount=%d\n", n, stats.SyncCount, stats.LostSyncCount)
}
