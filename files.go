// xmlorganizer: staging areas, safe moves and archive path construction
package main

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"xmlorganizer/extractor"
)

// Areas are the managed staging directories under DATA_ROOT. The inbox and
// the archive root live outside and are configured separately.
type Areas struct {
	Quarantine string
	Processing string
	Failed     string
	DeadLetter string
	Duplicates string
}

func stagingAreas(dataRoot string) Areas {
	return Areas{
		Quarantine: filepath.Join(dataRoot, "quarantine"),
		Processing: filepath.Join(dataRoot, "processing"),
		Failed:     filepath.Join(dataRoot, "failed"),
		DeadLetter: filepath.Join(dataRoot, "dead_letter"),
		Duplicates: filepath.Join(dataRoot, "duplicates"),
	}
}

func (a Areas) ensure() error {
	for _, dir := range []string{a.Quarantine, a.Processing, a.Failed, a.DeadLetter, a.Duplicates} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create staging area %s: %w", dir, err)
		}
	}
	return nil
}

// quarantineName prefixes the original filename with a microsecond
// timestamp so the same filename can reappear in the inbox without
// colliding in quarantine.
func quarantineName(original string, now time.Time) string {
	return fmt.Sprintf("%s_%06d_%s", now.Format("20060102_150405"), now.Nanosecond()/1000, original)
}

var quarantinePrefix = regexp.MustCompile(`^\d{8}_\d{6}_\d{6}_`)

// originalFilename strips quarantine timestamp prefixes. Files recovered by
// the reconciler pass through quarantine again and pick up a second prefix,
// so stripping repeats until none remain.
func originalFilename(name string) string {
	for {
		stripped := quarantinePrefix.ReplaceAllString(name, "")
		if stripped == name {
			return name
		}
		name = stripped
	}
}

var (
	namePunctuation = regexp.MustCompile(`[.\-/\\]`)
	nameWhitespace  = regexp.MustCompile(`\s+`)
)

// standardizeIssuerName produces the canonical display form used in the
// catalog and the archive layout: punctuation stripped, whitespace
// collapsed, uppercased.
func standardizeIssuerName(name string) string {
	name = namePunctuation.ReplaceAllString(name, "")
	name = strings.TrimSpace(nameWhitespace.ReplaceAllString(name, " "))
	return strings.ToUpper(name)
}

// archivePath builds the final destination:
// <root>/<ISSUER NAME> - <TAX_ID>/<KIND>/<YYYY>/<MM-YYYY>/<DD>/<filename>
func archivePath(root string, inv *extractor.Invoice, issuerName, filename string) string {
	em := inv.EmissionDate
	return filepath.Join(
		root,
		fmt.Sprintf("%s - %s", issuerName, inv.TaxID),
		inv.Kind,
		em.Format("2006"),
		em.Format("01-2006"),
		em.Format("02"),
		filename,
	)
}

// moveFile renames src to dst. Across volumes rename fails with EXDEV and
// the move falls back to copy-then-delete; the copy lands under a temporary
// name and is renamed into place so dst is never observable half-written.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp := dst + ".tmp"
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// hashFile streams the file through SHA-256 and returns the hex digest.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// scanInbox walks root recursively collecting *.xml candidates. Walk errors
// are collected, not fatal, so one unreadable subtree never stalls the rest
// of the inbox.
func scanInbox(root string) ([]string, []error) {
	var files []string
	var errs []error
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", path, err))
			return nil // continue walking
		}
		if info.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".xml") {
			files = append(files, path)
		}
		return nil
	})
	return files, errs
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
