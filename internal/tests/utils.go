package tests

import (
	"fmt"
	"os"
	"path/filepath"
)

// Default anvil development accounts (mnemonic "test test ... junk").
const (
	AnvilAccountAddress0    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	AnvilAccountPrivateKey0 = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	AnvilAccountAddress1    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// GetProjectRootPath walks up from the working directory to the module root.
func GetProjectRootPath() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	p := wd
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(filepath.Join(p, "go.mod")); err == nil {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return "", fmt.Errorf("could not find project root from %s", wd)
}
