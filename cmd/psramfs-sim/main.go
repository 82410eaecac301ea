// Command psramfs-sim drives a fresh in-memory volume through format,
// mount, a handful of file operations and a check pass, printing what it
// finds along the way. It exists to exercise the Filesystem API end to
// end without real flash hardware, the way the teacher's storage-init
// demos exercised StorageManager against a scratch data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/psramfs/logger"
	"github.com/zhukovaskychina/psramfs/server/conf"
	"github.com/zhukovaskychina/psramfs/server/psramfs/common"
	"github.com/zhukovaskychina/psramfs/server/psramfs/fdtable"
	"github.com/zhukovaskychina/psramfs/server/psramfs/fs"
	"github.com/zhukovaskychina/psramfs/server/psramfs/memhal"
	"github.com/zhukovaskychina/psramfs/server/psramfs/mount"
)

func main() {
	configPath := flag.String("config", "", "path to a volume .ini (see server/conf for the expected shape)")
	flag.Parse()

	if err := logger.Init(logger.Config{LogLevel: "info"}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}

	cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: *configPath})
	if err != nil {
		logger.Errorf("loading config: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("simulation failed: %v", err)
		os.Exit(1)
	}
}

func run(cfg *conf.Cfg) error {
	ctx := context.Background()
	dev := memhal.New(uint32(cfg.BlockSize)*uint32(cfg.BlockCount), uint32(cfg.BlockSize))

	fsCfg := fs.Config{
		PageSize:    uint32(cfg.PageSize),
		BlockSize:   uint32(cfg.BlockSize),
		BlockCount:  uint32(cfg.BlockCount),
		NameLen:     uint32(cfg.NameLen),
		MetaLen:     uint32(cfg.MetaLen),
		UseMagic:    cfg.MagicOn,
		SecureErase: cfg.SecureErase,
		FDCount:     cfg.FdCount,
		Temporal:    cfg.TemporalFd,
		CacheFrames: cfg.CachePages,
	}

	logger.Infof("volume: page_size=%d block_size=%d block_count=%d", fsCfg.PageSize, fsCfg.BlockSize, fsCfg.BlockCount)

	volume := fs.New(dev, nil, fsCfg)

	fmt.Println("=== format ===")
	if err := volume.Format(ctx); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	fmt.Println("ok")

	fmt.Println("=== mount ===")
	if err := volume.Mount(ctx); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	defer volume.Unmount(ctx)
	fmt.Println("ok")

	fmt.Println("=== write readme.txt ===")
	fh, err := volume.Open(ctx, "readme.txt", fdtable.OCreat|fdtable.OTrunc|fdtable.ORdwr)
	if err != nil {
		return fmt.Errorf("open readme.txt: %w", err)
	}
	body := []byte("psramfs-sim wrote this file across a simulated flash volume.\n")
	if _, err := volume.Write(ctx, fh, body); err != nil {
		return fmt.Errorf("write readme.txt: %w", err)
	}
	if err := volume.Close(ctx, fh); err != nil {
		return fmt.Errorf("close readme.txt: %w", err)
	}
	fmt.Printf("wrote %d bytes\n", len(body))

	fmt.Println("=== read it back ===")
	fh, err = volume.Open(ctx, "readme.txt", fdtable.ORdonly)
	if err != nil {
		return fmt.Errorf("reopen readme.txt: %w", err)
	}
	buf := make([]byte, len(body))
	n, err := volume.Read(ctx, fh, buf)
	if err != nil {
		return fmt.Errorf("read readme.txt: %w", err)
	}
	fmt.Printf("read %d bytes: %q\n", n, buf[:n])
	if err := volume.Close(ctx, fh); err != nil {
		return fmt.Errorf("close readme.txt: %w", err)
	}

	fmt.Println("=== stat ===")
	st, err := volume.Stat(ctx, "readme.txt")
	if err != nil {
		return fmt.Errorf("stat readme.txt: %w", err)
	}
	fmt.Printf("readme.txt: obj_id=%d size=%d type=%v\n", st.ObjID, st.Size, st.Type)

	fmt.Println("=== a small directory of objects ===")
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("log-%d.bin", i)
		fh, err := volume.Open(ctx, name, fdtable.OCreat|fdtable.ORdwr)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := volume.Write(ctx, fh, []byte{byte(i), byte(i + 1), byte(i + 2)}); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := volume.Close(ctx, fh); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
	}

	dir, err := volume.Opendir(ctx)
	if err != nil {
		return fmt.Errorf("opendir: %w", err)
	}
	for {
		ent, ok := volume.Readdir(dir)
		if !ok {
			break
		}
		fmt.Printf("  %-16s obj_id=%-4d size=%d\n", ent.Name, ent.ObjID, ent.Size)
	}
	volume.Closedir(dir)

	fmt.Println("=== info ===")
	total, used, err := volume.Info(ctx)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	fmt.Printf("total=%d bytes, used=%d bytes\n", total, used)

	fmt.Println("=== check ===")
	findings := 0
	cb := func(kind mount.CheckKind, id common.ObjID, err error) {
		findings++
		fmt.Printf("  [%s] obj %d: %v\n", kind, id, err)
	}
	if err := volume.Check(ctx, cb); err != nil {
		return fmt.Errorf("check: %w", err)
	}
	if findings == 0 {
		fmt.Println("no inconsistencies found")
	}

	return nil
}
