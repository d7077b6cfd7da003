// Package overlay implements the /etc overlay that makes
// /etc/resolv.conf read back as "nameserver <gateway>\n" inside the cage,
// without touching the host's real /etc (spec section 4.5).
package overlay

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Guard is the scoped acquisition of a tmpfs-backed upperdir/workdir (spec
// section 3, OverlayGuard). Close removes the temp directory tree
// best-effort; the overlay mount itself is torn down implicitly when the
// mount namespace is destroyed on process exit (spec section 9's resolved
// Open Question).
type Guard struct {
	tmpDir string
}

// Mount performs original_source/src/overlay.rs's setup_etc_overlay
// sequence: unshare(CLONE_NEWNS|CLONE_FS), remount / private+recursive,
// mount an overlayfs at /etc whose upperdir holds a synthesized
// resolv.conf pointing at gateway.
func Mount(gateway netip.Addr) (*Guard, error) {
	info, err := os.Stat("/etc")
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("overlay: /etc is not a directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "cage-overlay-")
	if err != nil {
		return nil, fmt.Errorf("overlay: create temp dir: %w", err)
	}
	workDir := filepath.Join(tmpDir, "work")
	layerDir := filepath.Join(tmpDir, "layer")
	if err := os.Mkdir(workDir, 0755); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("overlay: create workdir: %w", err)
	}
	if err := os.Mkdir(layerDir, 0755); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("overlay: create layerdir: %w", err)
	}

	resolvConf := fmt.Sprintf("nameserver %s\n", gateway)
	if err := os.WriteFile(filepath.Join(layerDir, "resolv.conf"), []byte(resolvConf), 0644); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("overlay: write resolv.conf: %w", err)
	}

	if err := unix.Unshare(unix.CLONE_NEWNS | unix.CLONE_FS); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("overlay: unshare mount namespace: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("overlay: remount / private: %w", err)
	}

	options := fmt.Sprintf("lowerdir=/etc,upperdir=%s,workdir=%s", layerDir, workDir)
	if err := unix.Mount("overlay", "/etc", "overlay", 0, options); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("overlay: mount overlayfs at /etc: %w", err)
	}

	return &Guard{tmpDir: tmpDir}, nil
}

// Close removes the temp directory tree best-effort.
func (g *Guard) Close() error {
	return os.RemoveAll(g.tmpDir)
}
