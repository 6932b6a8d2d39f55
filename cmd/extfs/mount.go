package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/extfsd/extfsd/pkg/ext2"
	"github.com/extfsd/extfsd/pkg/extfsd"
)

// runMount is rootCmd's RunE: it resolves the -r/-w access mode,
// either probes or mounts DEVICE, wraps the resulting ext2.Filesystem
// in a FUSE server, and blocks until the mount is torn down by a
// signal or an unmount(8) from outside. Kept as a single "validate
// flags, do the one thing, report one error" command body rather than
// a subcommand tree, since extfs exposes a single operation.
func runMount(cmd *cobra.Command, args []string) error {
	if flagUsage {
		cmd.Println(cmd.UsageString())
		os.Exit(0)
	}

	device := args[0]

	if flagProbe.Value {
		return runProbe(device)
	}

	if len(args) < 2 {
		return fmt.Errorf("extfs: MOUNT-POINT is required unless --probe is given")
	}
	mountPoint := args[1]

	// Without --foreground, re-exec ourselves with --foreground added
	// and let daemonize supervise the child: it blocks here until the
	// child either finishes mounting (success) or gives up (failure),
	// then this process exits and leaves the child attached to the
	// mount. Modeled directly on gcsfuse's cmd/legacy_main.go, which
	// uses the same daemonize.Run/SignalOutcome pair for the same
	// reason: FUSE mounting is cheap to verify synchronously, serving
	// it is not.
	if !flagForeground.Value {
		return runInBackground(mountPoint)
	}

	write := true
	if flagRead && !flagWrite {
		write = false
	}

	cfg, err := extfsd.LoadConfig(flagConfig.Value, log)
	if err != nil {
		return signalAndReturn(err)
	}
	if flagSyncInterval.Value != 0 {
		cfg.SyncInterval = time.Duration(flagSyncInterval.Value) * time.Second
	}

	clock := ext2.NewRealClock()
	fs, downgraded, err := ext2.Mount(device, write, clock)
	if err != nil {
		return signalAndReturn(fmt.Errorf("extfs: mounting %s: %w", device, err))
	}
	if downgraded {
		log.Warnf("extfs: %s has an unrecognized read-only-compat feature bit set; mounting read-only", device)
	}

	if flagTestUUID.Value != "" {
		want, err := uuid.Parse(flagTestUUID.Value)
		if err != nil {
			fs.Unmount()
			return signalAndReturn(fmt.Errorf("%w: invalid --test-uuid: %v", ext2.ErrInvalid, err))
		}
		if uuid.UUID(fs.UUID()) != want {
			fs.Unmount()
			return signalAndReturn(fmt.Errorf("extfs: %s's UUID does not match --test-uuid", device))
		}
	}

	ffs := extfsd.New(fs, log, device, mountPoint, cfg.UIDRemap, cfg.GIDRemap)
	server := fuseutil.NewFileSystemServer(ffs)

	mountCfg := &fuse.MountConfig{
		FSName:   device,
		Subtype:  "ext2",
		ReadOnly: fs.ReadOnly(),
	}
	if log.IsDebugEnabled() {
		mountCfg.DebugLogger = newStdLogger("extfs/fuse")
	}
	mountCfg.ErrorLogger = newStdLogger("extfs")

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		fs.Unmount()
		return signalAndReturn(fmt.Errorf("extfs: mounting %s at %s: %w", device, mountPoint, err))
	}

	log.Infof("extfs: %s mounted at %s (read-only=%v)", device, mountPoint, fs.ReadOnly())

	// Tell a daemonize-supervising parent (if any) that the mount
	// succeeded. When extfs was invoked directly with --foreground,
	// there is no parent listening and this is a harmless no-op.
	if err := daemonize.SignalOutcome(nil); err != nil {
		log.Errorf("extfs: signaling mount outcome to parent process: %v", err)
	}

	return serve(fs, mfs, mountPoint, cfg.SyncInterval)
}

// signalAndReturn reports a pre-serve failure to a daemonize-supervising
// parent before returning it up to cobra, so the original invocation
// (the one the user is actually watching) reports the real error
// instead of the generic "mount never signaled" daemonize produces on
// a silent child exit.
func signalAndReturn(err error) error {
	if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
		log.Errorf("extfs: signaling mount outcome to parent process: %v", sigErr)
	}
	return err
}

// runInBackground re-execs the current binary with the same arguments
// plus --foreground, via daemonize.Run, and waits for the child to
// report whether the mount succeeded.
func runInBackground(mountPoint string) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("extfs: locating executable to re-exec: %w", err)
	}

	childArgs := append([]string{"--foreground"}, os.Args[1:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

	if err := daemonize.Run(path, childArgs, env, os.Stdout); err != nil {
		return fmt.Errorf("extfs: starting background mount: %w", err)
	}

	log.Infof("extfs: mounted %s in the background", mountPoint)
	return nil
}

// serve runs until the mount is unmounted externally or the process
// receives SIGINT/SIGTERM/SIGQUIT: a background timer syncs dirty
// blocks every cfg.SyncInterval, and shutdown runs one final Sync
// before the process exits. golang.org/x/sync/errgroup coordinates the
// two goroutines the way it coordinates gcsfuse's own serve + cleanup
// goroutines.
func serve(fs *ext2.Filesystem, mfs *fuse.MountedFileSystem, mountPoint string, syncInterval time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mfs.Join(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				log.Infof("extfs: received %v, syncing and unmounting %s", sig, mountPoint)
				fs.Lock()
				syncErr := fs.Sync()
				fs.Unlock()
				if syncErr != nil {
					log.Errorf("extfs: final sync failed: %v", syncErr)
				}
				return fuse.Unmount(mountPoint)
			case <-ticker.C:
				fs.Lock()
				err := fs.Sync()
				fs.Unlock()
				if err != nil {
					log.Errorf("extfs: periodic sync failed: %v", err)
				}
			}
		}
	})

	err := g.Wait()
	cancel()

	if unmountErr := fs.Unmount(); unmountErr != nil && err == nil {
		err = unmountErr
	}
	return err
}

// runProbe implements --probe: exit 0 iff device holds a supported
// ext2 image, exit 1 otherwise, with no stderr on mismatch (a probe
// failure is a routine "no" a caller script polls for, not an
// operational error worth logging).
func runProbe(device string) error {
	if _, err := ext2.Probe(device); err != nil {
		os.Exit(1)
	}
	return nil
}
