package strata

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/bundle"
	"github.com/hupe1980/strata/wal"
)

// DiffResult reports the current-state differences between two branches.
type DiffResult = branch.DiffResult

// DiffEntry names one key that differs between two branches.
type DiffEntry = branch.DiffEntry

// MergeResult reports what a merge applied and which keys conflicted.
type MergeResult = branch.MergeResult

// ExportManifest describes a written branch bundle.
type ExportManifest = bundle.Manifest

// BundleReport is the result of validating a bundle file.
type BundleReport = bundle.Report

// BranchInfo describes a branch.
type BranchInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ParentName    string    `json:"parentName,omitempty"`
	ForkTimestamp time.Time `json:"forkTimestamp,omitempty"`
}

// ImportResult reports what a bundle import reconstructed.
// TransactionsApplied counts the bundle entries replayed.
type ImportResult struct {
	BranchID            string `json:"branchId"`
	BranchName          string `json:"branchName"`
	TransactionsApplied int    `json:"transactionsApplied"`
	KeysWritten         int    `json:"keysWritten"`
}

func fromBranchInfo(info branch.Info) BranchInfo {
	return BranchInfo{
		ID:            info.ID,
		Name:          info.Name,
		Status:        string(info.Status),
		CreatedAt:     toTime(info.CreatedAt),
		UpdatedAt:     toTime(info.UpdatedAt),
		ParentName:    info.ParentName,
		ForkTimestamp: toTime(info.ForkTimestamp),
	}
}

// BranchCreate creates an empty branch with no parent.
func (e *Engine) BranchCreate(name string) (BranchInfo, error) {
	const op = "BranchCreate"
	start := time.Now()

	info, err := e.branchCreate(op, name)
	e.metrics.RecordWrite(time.Since(start), err)
	return info, err
}

func (e *Engine) branchCreate(op, name string) (BranchInfo, error) {
	if err := e.checkWritable(op); err != nil {
		return BranchInfo{}, err
	}

	b, err := e.branches.Create(name)
	if err != nil {
		return BranchInfo{}, classify(op, err)
	}

	info := b.Info()
	rec, err := e.walRecord(opBranchCreate, scope{Branch: name}, "", "", info)
	if err != nil {
		return BranchInfo{}, translateError(op, err)
	}
	if err := e.logRecords([]wal.Record{rec}); err != nil {
		return BranchInfo{}, translateError(op, err)
	}
	return fromBranchInfo(info), nil
}

// BranchFork snapshots the current branch into a new one. Both sides keep
// full history; post-fork writes stay invisible to the other. Returns the new
// branch and the number of keys captured.
func (e *Engine) BranchFork(name string) (BranchInfo, int, error) {
	const op = "BranchFork"
	start := time.Now()

	info, copied, err := e.branchFork(op, name)
	e.metrics.RecordWrite(time.Since(start), err)
	return info, copied, err
}

func (e *Engine) branchFork(op, name string) (BranchInfo, int, error) {
	if err := e.checkWritable(op); err != nil {
		return BranchInfo{}, 0, err
	}

	src := e.scope().Branch
	child, copied, err := e.branches.Fork(context.Background(), src, name)
	e.logger.LogFork(context.Background(), src, name, copied, err)
	if err != nil {
		return BranchInfo{}, 0, classify(op, err)
	}

	info := child.Info()
	rec, err := e.walRecord(opBranchFork, scope{Branch: src}, "", "", info)
	if err != nil {
		return BranchInfo{}, 0, translateError(op, err)
	}
	if err := e.logRecords([]wal.Record{rec}); err != nil {
		return BranchInfo{}, 0, translateError(op, err)
	}
	return fromBranchInfo(info), copied, nil
}

// BranchDelete marks a branch deleted. The default branch and branches with
// an open transaction cannot be deleted.
func (e *Engine) BranchDelete(name string) error {
	const op = "BranchDelete"

	if err := e.checkWritable(op); err != nil {
		return err
	}
	if t, ok := e.coord.Active(); ok && t.Branch() == name {
		return newError(KindState, op, "branch %q has an open transaction", name)
	}

	if err := e.branches.Delete(name); err != nil {
		return classify(op, err)
	}

	rec, err := e.walRecord(opBranchDelete, scope{Branch: name}, "", "", nil)
	if err != nil {
		return translateError(op, err)
	}
	return translateError(op, e.logRecords([]wal.Record{rec}))
}

// BranchList returns every active branch, sorted by name.
func (e *Engine) BranchList() ([]BranchInfo, error) {
	const op = "BranchList"

	if err := e.checkOpen(op); err != nil {
		return nil, err
	}

	infos := e.branches.List()
	out := make([]BranchInfo, len(infos))
	for i, info := range infos {
		out[i] = fromBranchInfo(info)
	}
	return out, nil
}

// BranchGet returns one branch's descriptor.
func (e *Engine) BranchGet(name string) (BranchInfo, error) {
	const op = "BranchGet"

	if err := e.checkOpen(op); err != nil {
		return BranchInfo{}, err
	}
	b, err := e.branchFor(op, name)
	if err != nil {
		return BranchInfo{}, err
	}
	return fromBranchInfo(b.Info()), nil
}

// BranchDiff compares the current branch's state against another branch.
// Histories and version numbers are ignored; only the latest live values
// count.
func (e *Engine) BranchDiff(other string) (DiffResult, error) {
	const op = "BranchDiff"
	start := time.Now()

	if err := e.checkOpen(op); err != nil {
		return DiffResult{}, err
	}

	result, err := e.branches.Diff(e.scope().Branch, other)
	e.metrics.RecordRead(time.Since(start), err)
	if err != nil {
		return DiffResult{}, classify(op, err)
	}
	return result, nil
}

// BranchMerge applies another branch's post-fork changes onto the current
// branch. Keys written on both sides after the fork point resolve per
// strategy: "lww" (default), "source-wins", or "manual", which applies
// nothing for conflicting keys and reports them.
func (e *Engine) BranchMerge(src, strategy string) (MergeResult, error) {
	const op = "BranchMerge"
	start := time.Now()

	result, err := e.branchMerge(op, src, strategy)
	e.metrics.RecordWrite(time.Since(start), err)
	return result, err
}

func (e *Engine) branchMerge(op, src, strategy string) (MergeResult, error) {
	if err := e.checkWritable(op); err != nil {
		return MergeResult{}, err
	}

	strat, err := branch.ParseStrategy(strategy)
	if err != nil {
		return MergeResult{}, classify(op, err)
	}

	result, err := e.branches.Merge(src, e.scope().Branch, strat)
	if err != nil {
		return MergeResult{}, classify(op, err)
	}

	if len(result.Applied) > 0 {
		b, err := e.branchFor(op, e.scope().Branch)
		if err != nil {
			return MergeResult{}, err
		}
		e.reindexMerged(b, result.Applied)
	}

	// Merged records are not individually logged; a checkpoint captures the
	// post-merge state so recovery does not depend on replaying the merge.
	if e.wal != nil && result.KeysApplied > 0 {
		if err := e.checkpoint(); err != nil {
			return MergeResult{}, translateError(op, err)
		}
	}

	e.logger.Info("branch merged",
		"source", src, "destination", e.scope().Branch,
		"applied", result.KeysApplied, "conflicts", len(result.Conflicts))
	return result, nil
}

// SpaceCreate creates an empty space on the current branch. Creating a space
// that already exists fails.
func (e *Engine) SpaceCreate(name string) error {
	const op = "SpaceCreate"

	if err := e.checkWritable(op); err != nil {
		return err
	}
	b, err := e.branchFor(op, e.scope().Branch)
	if err != nil {
		return err
	}

	b.WriteMu.Lock()
	defer b.WriteMu.Unlock()

	if err := b.CreateSpace(name); err != nil {
		return classify(op, err)
	}
	rec, err := e.walRecord(opSpaceCreate, scope{Branch: e.scope().Branch, Space: name}, "", "", nil)
	if err != nil {
		return translateError(op, err)
	}
	return translateError(op, e.logRecords([]wal.Record{rec}))
}

// SpaceDelete removes a space and its contents from the current branch. A
// non-empty space is only removed with force; the default space never is.
func (e *Engine) SpaceDelete(name string, force bool) error {
	const op = "SpaceDelete"

	if err := e.checkWritable(op); err != nil {
		return err
	}
	b, err := e.branchFor(op, e.scope().Branch)
	if err != nil {
		return err
	}

	b.WriteMu.Lock()
	defer b.WriteMu.Unlock()

	if err := b.DeleteSpace(name, force); err != nil {
		return classify(op, err)
	}
	rec, err := e.walRecord(opSpaceDelete, scope{Branch: e.scope().Branch, Space: name}, "", "", nil)
	if err != nil {
		return translateError(op, err)
	}
	return translateError(op, e.logRecords([]wal.Record{rec}))
}

// SpaceList returns the current branch's spaces, sorted.
func (e *Engine) SpaceList() ([]string, error) {
	const op = "SpaceList"

	b, _, _, err := e.withRead(op)
	if err != nil {
		return nil, err
	}
	return b.ListSpaces(), nil
}

// BranchExport packs a branch's entire dataset into a self-contained,
// checksummed bundle file at path.
func (e *Engine) BranchExport(name, path string) (ExportManifest, error) {
	const op = "BranchExport"
	start := time.Now()

	manifest, err := e.branchExport(op, name, path)
	e.metrics.RecordMaintenance("export", time.Since(start), err)
	return manifest, err
}

func (e *Engine) branchExport(op, name, path string) (ExportManifest, error) {
	if err := e.checkOpen(op); err != nil {
		return ExportManifest{}, err
	}
	b, err := e.branchFor(op, name)
	if err != nil {
		return ExportManifest{}, err
	}

	if err := e.gate.BeginJob(context.Background()); err != nil {
		return ExportManifest{}, translateError(op, err)
	}
	defer e.gate.EndJob()

	// Hold the write lock so the bundle is a point-in-time snapshot.
	b.WriteMu.Lock()
	defer b.WriteMu.Unlock()

	manifest, err := bundle.Write(path, b, e.codec)
	if err != nil {
		return ExportManifest{}, translateError(op, err)
	}
	e.logger.Info("branch exported", "branch", name, "path", path, "entries", manifest.EntryCount)
	return manifest, nil
}

// BranchImport reconstructs a branch from a bundle file, with its original
// identity, histories, events and indexed text. Importing a bundle whose
// branch name already exists fails.
func (e *Engine) BranchImport(path string) (ImportResult, error) {
	const op = "BranchImport"
	start := time.Now()

	result, err := e.branchImport(op, path)
	e.metrics.RecordMaintenance("import", time.Since(start), err)
	return result, err
}

func (e *Engine) branchImport(op, path string) (ImportResult, error) {
	if err := e.checkWritable(op); err != nil {
		return ImportResult{}, err
	}

	contents, err := bundle.Read(path)
	if err != nil {
		return ImportResult{}, classify(op, err)
	}

	name := contents.Header.BranchName
	if _, err := e.branches.Get(name); err == nil {
		return ImportResult{}, classify(op, &branch.ErrBranchExists{Name: name})
	}

	if err := e.gate.BeginJob(context.Background()); err != nil {
		return ImportResult{}, translateError(op, err)
	}
	defer e.gate.EndJob()

	now := e.clock.Next()
	b := branch.Restore(branch.Info{
		ID:        contents.Header.BranchID,
		Name:      name,
		Status:    branch.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, e.clock.Next)

	result := ImportResult{BranchID: contents.Header.BranchID, BranchName: name}
	if err := e.applyBundle(b, contents.Entries, &result); err != nil {
		return ImportResult{}, classify(op, err)
	}
	e.branches.Install(b)

	// Imports are not WAL-logged record by record; checkpoint so the new
	// branch survives a restart.
	if e.wal != nil {
		if err := e.checkpoint(); err != nil {
			return ImportResult{}, translateError(op, err)
		}
	}

	e.logger.Info("branch imported", "branch", name, "keys", result.KeysWritten, "applied", result.TransactionsApplied)
	return result, nil
}

// applyBundle replays bundle entries onto a fresh branch. Every entry is one
// replay unit, counted in TransactionsApplied.
func (e *Engine) applyBundle(b *branch.Branch, entries []bundle.Entry, result *ImportResult) error {
	for _, entry := range entries {
		result.TransactionsApplied++
		switch entry.Kind {
		case bundle.KindSpace:
			b.EnsureSpace(entry.Space)

		case bundle.KindKV:
			s := b.EnsureSpace(entry.Space)
			for _, rec := range entry.History {
				s.KV.Apply(entry.Key, rec)
				e.observeRecord(b, rec.Number, rec.Timestamp)
			}
			result.KeysWritten++

		case bundle.KindCell:
			s := b.EnsureSpace(entry.Space)
			for _, rec := range entry.History {
				s.Cells.Apply(entry.Key, rec)
				e.observeRecord(b, rec.Number, rec.Timestamp)
			}
			result.KeysWritten++

		case bundle.KindJSON:
			s := b.EnsureSpace(entry.Space)
			for _, rec := range entry.JSONHistory {
				s.JSON.Apply(entry.Key, rec)
				e.observeRecord(b, rec.Number, rec.Timestamp)
			}
			result.KeysWritten++

		case bundle.KindCollection:
			s := b.EnsureSpace(entry.Space)
			s.Vectors.ApplyCreateCollection(*entry.Info)
			e.observeRecord(b, entry.Info.Version, entry.Info.Timestamp)

		case bundle.KindVector:
			s := b.EnsureSpace(entry.Space)
			for _, rec := range entry.VectorHistory {
				if err := s.Vectors.Apply(entry.Collection, entry.Key, rec); err != nil {
					return err
				}
				e.observeRecord(b, rec.Number, rec.Timestamp)
			}
			result.KeysWritten++

		case bundle.KindEvent:
			b.Events().Apply(*entry.Event)
			e.clock.Observe(entry.Event.Timestamp)

		case bundle.KindText:
			b.Text().Add(entry.Key, entry.Text)

		default:
			return &bundle.ErrInvalidBundle{Reason: "unknown entry kind " + string(entry.Kind)}
		}
	}
	return nil
}

// BranchExportTo exports a branch into a blob store under key. The bundle is
// staged as a local temp file and uploaded whole; the upload counts against
// the engine's IO budget.
func (e *Engine) BranchExportTo(ctx context.Context, store blobstore.Store, name, key string) (ExportManifest, error) {
	const op = "BranchExportTo"
	start := time.Now()

	manifest, err := e.branchExportTo(ctx, op, store, name, key)
	e.metrics.RecordMaintenance("export", time.Since(start), err)
	return manifest, err
}

func (e *Engine) branchExportTo(ctx context.Context, op string, store blobstore.Store, name, key string) (ExportManifest, error) {
	tmp, err := os.CreateTemp("", "strata-bundle-*")
	if err != nil {
		return ExportManifest{}, wrapError(KindIO, op, err, "staging bundle")
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	manifest, err := e.branchExport(op, name, path)
	if err != nil {
		return ExportManifest{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ExportManifest{}, wrapError(KindIO, op, err, "reading staged bundle")
	}
	if err := e.gate.WaitIO(ctx, len(data)); err != nil {
		return ExportManifest{}, translateError(op, err)
	}
	if err := store.Put(ctx, key, data); err != nil {
		return ExportManifest{}, wrapError(KindIO, op, err, "uploading bundle %q", key)
	}

	manifest.Path = key
	e.logger.Info("branch exported to blob store", "branch", name, "key", key, "bytes", len(data))
	return manifest, nil
}

// BranchImportFrom downloads a bundle from a blob store and imports it.
func (e *Engine) BranchImportFrom(ctx context.Context, store blobstore.Store, key string) (ImportResult, error) {
	const op = "BranchImportFrom"
	start := time.Now()

	result, err := e.branchImportFrom(ctx, op, store, key)
	e.metrics.RecordMaintenance("import", time.Since(start), err)
	return result, err
}

func (e *Engine) branchImportFrom(ctx context.Context, op string, store blobstore.Store, key string) (ImportResult, error) {
	if err := e.checkWritable(op); err != nil {
		return ImportResult{}, err
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return ImportResult{}, newError(KindNotFound, op, "bundle %q does not exist", key)
		}
		return ImportResult{}, wrapError(KindIO, op, err, "downloading bundle %q", key)
	}
	if err := e.gate.WaitIO(ctx, len(data)); err != nil {
		return ImportResult{}, translateError(op, err)
	}

	tmp, err := os.CreateTemp("", "strata-bundle-*")
	if err != nil {
		return ImportResult{}, wrapError(KindIO, op, err, "staging bundle")
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return ImportResult{}, wrapError(KindIO, op, err, "staging bundle")
	}
	if err := tmp.Close(); err != nil {
		return ImportResult{}, wrapError(KindIO, op, err, "staging bundle")
	}

	return e.branchImport(op, path)
}

// BundleValidate checks a bundle file's structure and checksums without
// touching engine state.
func (e *Engine) BundleValidate(path string) (BundleReport, error) {
	const op = "BundleValidate"

	if err := e.checkOpen(op); err != nil {
		return BundleReport{}, err
	}

	report, err := bundle.Validate(path)
	if err != nil {
		return BundleReport{}, classify(op, err)
	}
	return report, nil
}
