// Command afatfsctl is a thin exerciser for the afatfs driver against a
// file-backed disk image: just enough harness to mount an image and poke at
// it by hand.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/afatfs"
)

func main() {
	app := &cli.App{
		Usage: "Mount and inspect FAT16/FAT32 disk images",
		Commands: []*cli.Command{
			{
				Name:      "stat",
				Usage:     "Print volume type, cluster size, and free space",
				ArgsUsage: "IMAGE",
				Action:    statCommand,
			},
			{
				Name:      "ls",
				Usage:     "List entries in the root directory",
				ArgsUsage: "IMAGE",
				Action:    lsCommand,
			},
			{
				Name:      "cat",
				Usage:     "Print the contents of a file in the root directory",
				ArgsUsage: "IMAGE FILENAME",
				Action:    catCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("afatfsctl: %s", err.Error())
	}
}

// pumpUntilDone repeatedly calls step, polling fs between attempts, until
// step reports something other than StatusInProgress. This is exactly the
// loop every real caller of this driver is expected to write; a CLI with a
// synchronous fileDevice still needs it because the sector cache reports a
// miss as StatusInProgress even when the device completed the read at once.
func pumpUntilDone(fs *afatfs.Filesystem, step func() afatfs.Status) afatfs.Status {
	for {
		status := step()
		if status != afatfs.StatusInProgress {
			return status
		}
		fs.Poll()
	}
}

func openImage(ctx *cli.Context, arg int) (*afatfs.Filesystem, *os.File, error) {
	path := ctx.Args().Get(arg)
	if path == "" {
		return nil, nil, fmt.Errorf("missing IMAGE argument")
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	device := newFileDevice(file, afatfs.SectorSize)
	fs := afatfs.New(device)
	status := pumpUntilDone(fs, func() afatfs.Status {
		return fs.Mount(afatfs.Options{})
	})
	if status != afatfs.StatusSuccess {
		file.Close()
		return nil, nil, fmt.Errorf("mount failed: %s", status)
	}
	return fs, file, nil
}

func statCommand(ctx *cli.Context) error {
	fs, file, err := openImage(ctx, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	fmt.Printf("cluster size:      %d bytes\n", fs.ClusterSize())
	fmt.Printf("supercluster size: %d bytes\n", fs.SuperclusterSize())
	fmt.Printf("contiguous free:   %d bytes\n", fs.ContiguousFreeSpace())
	fmt.Printf("volume full:       %v\n", fs.IsFull())

	stats := fs.Stats()
	fmt.Printf("cache hits/misses: %d/%d (evictions %d)\n", stats.Hits, stats.Misses, stats.Evictions)
	return nil
}

func lsCommand(ctx *cli.Context) error {
	fs, file, err := openImage(ctx, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	finder := fs.FindFirst(nil)
	for {
		var entry *afatfs.DirectoryEntry
		status := pumpUntilDone(fs, func() afatfs.Status {
			var s afatfs.Status
			entry, s = fs.FindNext(finder)
			return s
		})
		if status != afatfs.StatusSuccess {
			return fmt.Errorf("findNext failed: %s", status)
		}
		if entry == nil {
			return nil
		}
		kind := "f"
		if entry.IsDirectory() {
			kind = "d"
		}
		fmt.Printf("%s %10d %s\n", kind, entry.Size(), entry.Name())
	}
}

func catCommand(ctx *cli.Context) error {
	fs, file, err := openImage(ctx, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	name := ctx.Args().Get(1)
	if name == "" {
		return fmt.Errorf("missing FILENAME argument")
	}

	var target *afatfs.File
	status := pumpUntilDone(fs, func() afatfs.Status {
		var s afatfs.Status
		target, s = fs.Open(name, "r")
		return s
	})
	if status != afatfs.StatusSuccess {
		return fmt.Errorf("open failed: %s", status)
	}

	buf := make([]byte, 4096)
	for !target.Eof() {
		n, rstatus := target.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if rstatus == afatfs.StatusInProgress {
			fs.Poll()
			continue
		}
		if rstatus != afatfs.StatusSuccess {
			return fmt.Errorf("read failed: %s", rstatus)
		}
	}
	if status := target.Close(); status != afatfs.StatusSuccess {
		return fmt.Errorf("close failed: %s", status)
	}
	return nil
}
