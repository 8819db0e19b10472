package cryptfs

import "strings"

// splitPath breaks an absolute, slash-delimited path into its non-empty
// components, tolerating a trailing slash.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolve translates an absolute slash-delimited path to an entry-id. It
// returns a KindNotFound error if any component is missing, or
// KindInvalid if an intermediate component is not a directory.
func (v *Volume) Resolve(masterKey []byte, path string) (EntryID, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return RootEntryID, nil
	}

	cur := RootEntryID
	for i, name := range components {
		e, err := v.GetEntry(masterKey, cur)
		if err != nil {
			return EntryID{}, err
		}
		if e.Type != EntryDirectory {
			return EntryID{}, newError(KindInvalid, "not a directory: "+name, nil)
		}
		if e.StartBlock == 0 {
			// Directory has never had anything inserted into it: empty.
			return EntryID{}, newError(KindNotFound, "no such entry: "+name, nil)
		}
		child, found, err := v.findEntryByName(masterKey, e.StartBlock, name)
		if err != nil {
			return EntryID{}, err
		}
		if !found {
			return EntryID{}, newError(KindNotFound, "no such entry: "+name, nil)
		}
		if i == len(components)-1 {
			return child, nil
		}
		cur = child
	}
	return cur, nil
}

// resolveParent resolves the parent directory of an absolute path and
// returns it along with the final path component's name.
func (v *Volume) resolveParent(masterKey []byte, path string) (EntryID, string, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return EntryID{}, "", newError(KindInvalid, "path has no final component", nil)
	}
	name := components[len(components)-1]
	parentPath := "/" + strings.Join(components[:len(components)-1], "/")
	parent, err := v.Resolve(masterKey, parentPath)
	if err != nil {
		return EntryID{}, "", err
	}
	return parent, name, nil
}

// CreateFileByPath composes Resolve of the parent directory with
// CreateEmptyFile.
func (v *Volume) CreateFileByPath(masterKey []byte, path string, uid, gid uint32) (EntryID, error) {
	parent, name, err := v.resolveParent(masterKey, path)
	if err != nil {
		return EntryID{}, err
	}
	return v.CreateEmptyFile(masterKey, parent, name, uid, gid)
}

// CreateDirectoryByPath composes Resolve with CreateDirectory.
func (v *Volume) CreateDirectoryByPath(masterKey []byte, path string, uid, gid uint32) (EntryID, error) {
	parent, name, err := v.resolveParent(masterKey, path)
	if err != nil {
		return EntryID{}, err
	}
	return v.CreateDirectory(masterKey, parent, name, uid, gid)
}

// CreateHardlinkByPath composes Resolve with CreateHardlink.
func (v *Volume) CreateHardlinkByPath(masterKey []byte, path, targetPath string, uid, gid uint32) (EntryID, error) {
	target, err := v.Resolve(masterKey, targetPath)
	if err != nil {
		return EntryID{}, err
	}
	parent, name, err := v.resolveParent(masterKey, path)
	if err != nil {
		return EntryID{}, err
	}
	return v.CreateHardlink(masterKey, parent, name, target, uid, gid)
}

// CreateSymlinkByPath composes Resolve with CreateSymlink.
func (v *Volume) CreateSymlinkByPath(masterKey []byte, path, targetPath string, uid, gid uint32) (EntryID, error) {
	parent, name, err := v.resolveParent(masterKey, path)
	if err != nil {
		return EntryID{}, err
	}
	return v.CreateSymlink(masterKey, parent, name, targetPath, uid, gid)
}

// DeleteEntryByPath composes Resolve of the parent directory with Delete.
func (v *Volume) DeleteEntryByPath(masterKey []byte, path string) error {
	parent, name, err := v.resolveParent(masterKey, path)
	if err != nil {
		return err
	}
	parentEntry, err := v.GetEntry(masterKey, parent)
	if err != nil {
		return err
	}
	if parentEntry.StartBlock == 0 {
		return newError(KindNotFound, "no such entry: "+name, nil)
	}
	id, found, err := v.findEntryByName(masterKey, parentEntry.StartBlock, name)
	if err != nil {
		return err
	}
	if !found {
		return newError(KindNotFound, "no such entry: "+name, nil)
	}
	// The index relative to the parent's own chain is the directory-
	// position arithmetic form Delete expects.
	idx, err := v.logicalIndexOf(masterKey, parentEntry.StartBlock, id)
	if err != nil {
		return err
	}
	return v.Delete(masterKey, parent, idx)
}

// logicalIndexOf converts a resolved physical EntryID back into the
// logical (hop-counted) index Delete uses, by
// re-walking the chain and counting blocks until the physical block
// matches.
func (v *Volume) logicalIndexOf(masterKey []byte, dirStart int64, id EntryID) (uint32, error) {
	cur := dirStart
	var hops uint32
	for {
		if cur == id.DirBlock {
			return hops*entriesPerBlock + id.Index, nil
		}
		next, err := v.ReadFAT(masterKey, cur)
		if err != nil {
			return 0, err
		}
		if next == FATEnd {
			fatal(v.Log, "entry-id %v not found in its own directory's chain starting at %d", id, dirStart)
		}
		cur = int64(next)
		hops++
	}
}

// Exists reports whether path resolves to an entry.
func (v *Volume) Exists(masterKey []byte, path string) bool {
	_, err := v.Resolve(masterKey, path)
	return err == nil
}
