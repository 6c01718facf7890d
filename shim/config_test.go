package shim_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lowBitdev/Bfi/shim"
	"github.com/lowBitdev/Bfi/utils"
)

func writeBundle(t *testing.T, config string) string {
	t.Helper()
	bundle := t.TempDir()
	if config != "" {
		err := os.WriteFile(filepath.Join(bundle, "config.json"), []byte(config), 0644)
		utils.AssertNoError(t, err)
	}
	return bundle
}

func writeRootfs(t *testing.T, scripts ...string) string {
	t.Helper()
	rootfs := t.TempDir()
	for _, script := range scripts {
		err := os.WriteFile(filepath.Join(rootfs, script), []byte("+[-]"), 0644)
		utils.AssertNoError(t, err)
	}
	return rootfs
}

func TestReadConfig(t *testing.T) {
	rootfs := writeRootfs(t, "hello.bf")
	bundle := writeBundle(t, fmt.Sprintf(`{
		"root": {"path": %q},
		"process": {"args": ["hello.bf"], "env": ["TERM=xterm", "PATH=/bin:/usr/bin"]},
		"tape": 4096
	}`, rootfs))

	config, err := shim.ReadConfig(bundle)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, config.Root, rootfs)
	utils.AssertEqual(t, config.Entrypoint, "hello.bf")
	utils.AssertEqual(t, config.Tape, 4096)
	utils.AssertEqualArrays(t, config.Path, []string{"/bin", "/usr/bin"})
	utils.AssertEqual(t, config.FullPath(), filepath.Join(rootfs, "hello.bf"))
}

func TestReadConfig_MissingConfig(t *testing.T) {
	bundle := writeBundle(t, "")
	_, err := shim.ReadConfig(bundle)
	utils.AssertError(t, err)
}

func TestReadConfig_MissingRootPath(t *testing.T) {
	bundle := writeBundle(t, `{"process": {"args": ["hello.bf"]}}`)
	_, err := shim.ReadConfig(bundle)
	utils.AssertError(t, err)
}

func TestReadConfig_WrongExtension(t *testing.T) {
	rootfs := writeRootfs(t, "hello.txt")
	bundle := writeBundle(t, fmt.Sprintf(`{
		"root": {"path": %q},
		"process": {"args": ["hello.txt"]}
	}`, rootfs))
	_, err := shim.ReadConfig(bundle)
	utils.AssertError(t, err)
}

func TestReadConfig_MissingScript(t *testing.T) {
	rootfs := writeRootfs(t)
	bundle := writeBundle(t, fmt.Sprintf(`{
		"root": {"path": %q},
		"process": {"args": ["missing.bf"]}
	}`, rootfs))
	_, err := shim.ReadConfig(bundle)
	utils.AssertError(t, err)
}

func TestReadConfig_TooManyArgs(t *testing.T) {
	rootfs := writeRootfs(t, "hello.bf")
	bundle := writeBundle(t, fmt.Sprintf(`{
		"root": {"path": %q},
		"process": {"args": ["hello.bf", "extra"]}
	}`, rootfs))
	_, err := shim.ReadConfig(bundle)
	utils.AssertError(t, err)
}

func TestReadConfig_NegativeTape(t *testing.T) {
	rootfs := writeRootfs(t, "hello.bf")
	bundle := writeBundle(t, fmt.Sprintf(`{
		"root": {"path": %q},
		"process": {"args": ["hello.bf"]},
		"tape": -1
	}`, rootfs))
	_, err := shim.ReadConfig(bundle)
	utils.AssertError(t, err)
}
