package cryptfs

import (
	"crypto/rand"
	"sync"
)

// firstHandleID is the lowest file-handle id the table hands out: 0-2 are
// reserved the way stdin/stdout/stderr are for process file descriptors,
// even though nothing here opens them.
const firstHandleID = 3

// State holds the process-wide (in practice, per-mount) unlocked master
// key and the table of open file handles. It replaces the original C
// implementation's process-global cell and handle array with a value
// owned by one Volume.
//
// The master key is kept XOR-masked against a freshly generated random pad
// whenever it is not actively being read, so a stray heap scan sees no
// contiguous copy of the real key.
type State struct {
	mu      sync.Mutex
	masked  []byte
	mask    []byte
	handles map[uint64]*Handle
	nextID  uint64
}

// Handle is one open file-or-directory reference.
type Handle struct {
	Entry EntryID
	Flags int
}

// NewState returns an empty process-state store with no master key set and
// no open handles.
func NewState() *State {
	return &State{
		handles: make(map[uint64]*Handle),
		nextID:  firstHandleID,
	}
}

// SetMasterKey installs key as the volume's unlocked master key, masking it
// immediately. Callers should not retain key after this call.
func (s *State) SetMasterKey(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mask := make([]byte, len(key))
	if _, err := rand.Read(mask); err != nil {
		return newError(KindCipher, "generating master-key mask", err)
	}
	masked := make([]byte, len(key))
	for i := range key {
		masked[i] = key[i] ^ mask[i]
	}
	s.mask = mask
	s.masked = masked
	return nil
}

// MasterKey unmasks and returns a copy of the master key. Returns
// KindInvalid if the volume has not been unlocked yet.
func (s *State) MasterKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masked == nil {
		return nil, newError(KindInvalid, "volume is locked: no master key installed", nil)
	}
	key := make([]byte, len(s.masked))
	for i := range s.masked {
		key[i] = s.masked[i] ^ s.mask[i]
	}
	return key, nil
}

// ClearMasterKey wipes the mask and masked key, returning the store to the
// locked state.
func (s *State) ClearMasterKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.masked)
	zero(s.mask)
	s.masked = nil
	s.mask = nil
}

// Unlocked reports whether a master key is currently installed.
func (s *State) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masked != nil
}

// maxOpenHandles bounds the handle table.
const maxOpenHandles = 4096

// Open allocates a new handle for entry and returns its id, starting the id
// sequence at firstHandleID. Fails with KindExhausted once maxOpenHandles
// handles are outstanding.
func (s *State) Open(entry EntryID, flags int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) >= maxOpenHandles {
		return 0, newError(KindExhausted, "too many open files", nil)
	}
	id := s.nextID
	s.nextID++
	s.handles[id] = &Handle{Entry: entry, Flags: flags}
	return id, nil
}

// Get returns the handle registered under id, or KindNotFound ("bad file
// descriptor") if it does not exist.
func (s *State) Get(id uint64) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, newError(KindNotFound, "bad file handle", nil)
	}
	return h, nil
}

// Close releases the handle registered under id. KindNotFound if it does
// not exist (a double-close).
func (s *State) Close(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; !ok {
		return newError(KindNotFound, "bad file handle", nil)
	}
	delete(s.handles, id)
	return nil
}

// OpenCount reports how many handles are currently outstanding (used by
// tests and by clean-unmount checks).
func (s *State) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
