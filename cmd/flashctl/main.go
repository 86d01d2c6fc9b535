// Command flashctl is the CLI front end wiring every engine in this
// module together: Fastboot flash/getvar, MediaTek DA loading, and
// payload.bin extraction from a local file or a remote OTA ZIP.
//
// Usage is a verb-first subcommand, then flags specific to that verb.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/google/gousb"
	"github.com/schollz/progressbar/v3"

	"github.com/flashkit/flashkit/internal/fastboot"
	"github.com/flashkit/flashkit/internal/mtk"
	"github.com/flashkit/flashkit/internal/payload"
	"github.com/flashkit/flashkit/internal/progress"
	"github.com/flashkit/flashkit/internal/sparse"
	"github.com/flashkit/flashkit/internal/transport"
	"github.com/flashkit/flashkit/internal/zipremote"
)

// newFlagSet builds a FlagSet that exits the process on a parse error,
// matching flag.CommandLine's own default behavior, scoped per subcommand
// so -h under "flashctl fastboot flash -h" shows only that verb's flags.
func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

// CheckEnv reports whether the named environment variable is set to
// exactly "true", the boolean-env convention used for all FLASHKIT_*
// toggles.
func CheckEnv(key string) bool {
	v, ok := os.LookupEnv(key)
	return ok && v == "true"
}

func usage() {
	fmt.Fprintf(os.Stderr, `flashctl - cross-vendor Android flashing toolkit

Usage: flashctl <command> [args...]

Commands:
  fastboot flash -serial <port|usb:vid:pid> -partition <name> -image <sparse.img>
    Flash a sparse or raw image to a partition over Fastboot.

  fastboot getvar -serial <port|usb:vid:pid> [-name <var>]
    Print one device variable, or every variable from getvar:all if
    -name is omitted.

  mtk load-da -serial <port> -dafile <all_in_one.bin> [-emi <emi.bin>] [-cert <cert.bin>] [-mtu <bytes>]
    Run the BROM->DA1->DA2 loader pipeline and report the resulting
    DA2 readiness.

  payload extract -input <payload.bin> -partition <name> -out <file>
    Extract one partition from a local payload.bin.

  payload remote-extract -url <ota.zip> -partition <name> -out <file>
    Locate payload.bin inside a remote OTA ZIP via ranged HTTP reads
    and extract one partition without downloading the archive.

Set FLASHKIT_VERBOSE=true for extra logging, FLASHKIT_NO_PROGRESS=true
to disable terminal progress bars.
`)
}

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}
	group, verb := os.Args[1], os.Args[2]
	args := os.Args[3:]

	switch group {
	case "fastboot":
		switch verb {
		case "flash":
			runFastbootFlash(args)
		case "getvar":
			runFastbootGetvar(args)
		default:
			usage()
			os.Exit(2)
		}
	case "mtk":
		switch verb {
		case "load-da":
			runMtkLoadDA(args)
		default:
			usage()
			os.Exit(2)
		}
	case "payload":
		switch verb {
		case "extract":
			runPayloadExtract(args)
		case "remote-extract":
			runPayloadRemoteExtract(args)
		default:
			usage()
			os.Exit(2)
		}
	default:
		usage()
		os.Exit(2)
	}
}

// openTransport builds a Transport from a CLI-supplied endpoint string:
// "usb:<vid-hex>:<pid-hex>" for a USB bulk device, anything else is
// treated as a serial port path.
func openTransport(endpoint string) (transport.Transport, error) {
	if len(endpoint) > 4 && endpoint[:4] == "usb:" {
		var vid, pid uint32
		if _, err := fmt.Sscanf(endpoint[4:], "%x:%x", &vid, &pid); err != nil {
			return nil, fmt.Errorf("flashctl: parsing usb endpoint %q: %w", endpoint, err)
		}
		match := transport.VIDPIDMatch{
			VendorID: gousb.ID(vid), ProductID: gousb.ID(pid),
			ConfigNum: 1, IfaceNum: 0,
		}
		return transport.NewUSBTransport(match), nil
	}
	return transport.NewSerialTransport(endpoint, nil), nil
}

func progressSink(noBar bool, total int64) (progress.Sink, func()) {
	if noBar || CheckEnv("FLASHKIT_NO_PROGRESS") {
		return func(r progress.Record) {
			if CheckEnv("FLASHKIT_VERBOSE") {
				log.Println(r.String())
			}
		}, func() {}
	}
	bar := progressbar.DefaultBytes(total, "flashing")
	sink := func(r progress.Record) {
		bar.Set64(r.BytesSent)
	}
	return sink, func() { bar.Close() }
}

func runFastbootFlash(args []string) {
	fs := newFlagSet("fastboot flash")
	serialFlag := fs.String("serial", "", "serial port path or usb:vid:pid")
	partition := fs.String("partition", "", "partition name")
	imagePath := fs.String("image", "", "path to sparse or raw image")
	fs.Parse(args)
	if *serialFlag == "" || *partition == "" || *imagePath == "" {
		log.Fatalln("fastboot flash: -serial, -partition, and -image are required")
	}

	t, err := openTransport(*serialFlag)
	if err != nil {
		log.Fatalln(err)
	}
	s := fastboot.NewSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		log.Fatalln("fastboot flash: connecting:", err)
	}
	defer s.Disconnect()

	f, err := os.Open(*imagePath)
	if err != nil {
		log.Fatalln(err)
	}
	defer f.Close()
	img, err := sparse.Open(f)
	if err != nil {
		log.Fatalln("fastboot flash: reading image:", err)
	}

	sink, closeBar := progressSink(false, int64(img.TotalBlocks)*int64(img.BlockSize))
	defer closeBar()

	if err := s.Flash(ctx, *partition, img, fastboot.FlashOptions{Sink: sink}); err != nil {
		log.Fatalln("fastboot flash:", err)
	}
	log.Printf("flashed %s from %s", *partition, *imagePath)
}

func runFastbootGetvar(args []string) {
	fs := newFlagSet("fastboot getvar")
	serialFlag := fs.String("serial", "", "serial port path or usb:vid:pid")
	name := fs.String("name", "", "variable name (all variables if omitted)")
	fs.Parse(args)
	if *serialFlag == "" {
		log.Fatalln("fastboot getvar: -serial is required")
	}

	t, err := openTransport(*serialFlag)
	if err != nil {
		log.Fatalln(err)
	}
	s := fastboot.NewSession(t)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		log.Fatalln("fastboot getvar: connecting:", err)
	}
	defer s.Disconnect()

	if *name != "" {
		v, err := s.Getvar(ctx, *name)
		if err != nil {
			log.Fatalln(err)
		}
		fmt.Println(v)
		return
	}
	for k, v := range s.Variables() {
		fmt.Printf("%s: %s\n", k, v)
	}
}

func runMtkLoadDA(args []string) {
	fs := newFlagSet("mtk load-da")
	serialFlag := fs.String("serial", "", "serial port path")
	daFilePath := fs.String("dafile", "", "path to an AllInOne DA file")
	emiPath := fs.String("emi", "", "optional EMI (DRAM init) config, required when loading from BROM")
	certPath := fs.String("cert", "", "optional SEND_CERT exploit image for secured BROMs")
	mtu := fs.Int("mtu", 65536, "host MTU to negotiate after DA2 is ready")
	fs.Parse(args)
	if *serialFlag == "" || *daFilePath == "" {
		log.Fatalln("mtk load-da: -serial and -dafile are required")
	}

	raw, err := os.ReadFile(*daFilePath)
	if err != nil {
		log.Fatalln(err)
	}
	daFile, err := mtk.ParseDaFile(raw)
	if err != nil {
		log.Fatalln("mtk load-da: parsing DA file:", err)
	}
	var emi, cert []byte
	if *emiPath != "" {
		if emi, err = os.ReadFile(*emiPath); err != nil {
			log.Fatalln(err)
		}
	}
	if *certPath != "" {
		if cert, err = os.ReadFile(*certPath); err != nil {
			log.Fatalln(err)
		}
	}

	endpoint := *serialFlag
	pipeline := mtk.NewPipeline(func() transport.Transport {
		return transport.NewSerialTransport(endpoint, nil)
	}, endpoint)

	ctx := context.Background()
	da, err := pipeline.LoadDA(ctx, mtk.RunOptions{
		HandshakeAttempts: 100,
		DaFile:            daFile,
		EmiConfig:         emi,
		CertImage:         cert,
		RuntimeMTU:        uint32(*mtu),
		Verbose:           CheckEnv("FLASHKIT_VERBOSE"),
	})
	if err != nil {
		log.Fatalln("mtk load-da:", err)
	}
	log.Printf("pipeline reached %s, DA2 ready (state=%v)", pipeline.State(), da.State())
}

func runPayloadExtract(args []string) {
	fs := newFlagSet("payload extract")
	input := fs.String("input", "", "path to payload.bin")
	partition := fs.String("partition", "", "partition name")
	out := fs.String("out", "", "output file path")
	fs.Parse(args)
	if *input == "" || *partition == "" || *out == "" {
		log.Fatalln("payload extract: -input, -partition, and -out are required")
	}

	f, err := os.Open(*input)
	if err != nil {
		log.Fatalln(err)
	}
	defer f.Close()
	desc, err := payload.Open(f)
	if err != nil {
		log.Fatalln("payload extract: parsing manifest:", err)
	}

	dst, err := os.Create(*out)
	if err != nil {
		log.Fatalln(err)
	}
	defer dst.Close()

	if err := payload.ExtractPartition(f, desc, *partition, dst, nil); err != nil {
		log.Fatalln("payload extract:", err)
	}
	log.Printf("extracted %s to %s", *partition, *out)
}

func runPayloadRemoteExtract(args []string) {
	fs := newFlagSet("payload remote-extract")
	url := fs.String("url", "", "URL of an OTA ZIP containing payload.bin")
	partition := fs.String("partition", "", "partition name")
	out := fs.String("out", "", "output file path")
	fs.Parse(args)
	if *url == "" || *partition == "" || *out == "" {
		log.Fatalln("payload remote-extract: -url, -partition, and -out are required")
	}

	ctx := context.Background()
	svc, err := zipremote.Open(ctx, http.DefaultClient, *url)
	if err != nil {
		log.Fatalln("payload remote-extract: locating payload.bin:", err)
	}

	dst, err := os.Create(*out)
	if err != nil {
		log.Fatalln(err)
	}
	defer dst.Close()

	if err := svc.ExtractPartition(*partition, dst); err != nil {
		log.Fatalln("payload remote-extract:", err)
	}
	log.Printf("extracted %s to %s from %s", *partition, *out, *url)
}
