package cryptfs

import (
	"crypto/rsa"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sherlockfs/sherlockfs/internal/keycrypto"
)

// DefaultKeyPaths returns the default public/private key locations under
// $HOME/.cryptfs, creating the directory with mode 0o755 if
// it does not exist yet. HOME must be set.
func DefaultKeyPaths() (pub, priv string, err error) {
	home := os.Getenv("HOME")
	if home == "" {
		return "", "", newError(KindInvalid, "HOME environment variable is not set", nil)
	}
	dir := filepath.Join(home, ".cryptfs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", newError(KindIO, "creating "+dir, err)
	}
	return filepath.Join(dir, "public.pem"), filepath.Join(dir, "private.pem"), nil
}

// LoadPublicKey reads and parses a PEM-encoded RSA public key from disk.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindIO, "reading public key "+path, err)
	}
	pub, err := keycrypto.DecodePublicPEM(data)
	if err != nil {
		return nil, newError(KindCipher, "parsing public key "+path, err)
	}
	return pub, nil
}

// LoadPrivateKey reads and parses a PEM-encoded RSA private key from disk,
// decrypting it with passphrase if it carries the standard PEM encryption
// header.
func LoadPrivateKey(path string, passphrase []byte) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindIO, "reading private key "+path, err)
	}
	priv, err := keycrypto.DecodePrivatePEM(data, passphrase)
	if err != nil {
		return nil, newError(KindCipher, "parsing private key "+path, err)
	}
	return priv, nil
}

// FormatOptions parameterises Format.
type FormatOptions struct {
	// DeviceSizeBytes, if non-zero, truncates the device to this size
	// before formatting. Zero keeps the file/device's current size.
	DeviceSizeBytes int64
	PublicKeyPath   string
	PrivateKeyPath  string
	Passphrase      []byte
	// ExistingRSA reuses a caller-supplied keypair instead of generating
	// a fresh one.
	ExistingRSA *rsa.PrivateKey
	// AllowOverwrite permits reformatting a device that already carries a
	// valid SherlockFS header. The CLI is responsible for prompting the
	// user before setting this.
	AllowOverwrite bool
	Label          string
}

// Format initializes a fresh volume on v.Device: it
// generates (or accepts) an RSA keypair and an AES master key, writes the
// keypair to disk, fills the header and key-slot table, wraps the master
// key into slot 0, bootstraps one FAT block covering the header/key-slot/
// FAT/root-dir region, and writes a root directory entry. It returns the
// master key generated (callers that go on to mount should install it in
// v.State).
func (v *Volume) Format(opts FormatOptions) ([]byte, error) {
	if opts.DeviceSizeBytes > 0 {
		if err := v.Device.Truncate(opts.DeviceSizeBytes); err != nil {
			return nil, err
		}
	}
	size, err := v.Device.Size()
	if err != nil {
		return nil, err
	}
	if size < (RootDirBlock+1)*BlockSize {
		return nil, newError(KindInvalid, "device too small for a SherlockFS volume", nil)
	}

	if existing, err := v.ReadHeader(); err == nil && existing.IsFormatted() && !opts.AllowOverwrite {
		return nil, newError(KindExists, "device is already formatted", nil)
	}

	masterKey, err := keycrypto.GenerateAESKey()
	if err != nil {
		return nil, newError(KindCipher, "generating master key", err)
	}

	rsaKey := opts.ExistingRSA
	if rsaKey == nil {
		rsaKey, err = keycrypto.GenerateRSAKeypair()
		if err != nil {
			return nil, newError(KindCipher, "generating RSA keypair", err)
		}
	}
	if err := writeKeyFiles(opts.PublicKeyPath, opts.PrivateKeyPath, rsaKey, opts.Passphrase); err != nil {
		return nil, err
	}

	slots := make([]*KeySlot, NumKeySlots)
	for i := range slots {
		slots[i] = &KeySlot{}
	}
	if _, err := WrapIntoSlot(slots, &rsaKey.PublicKey, masterKey); err != nil {
		return nil, err
	}
	if err := v.WriteKeySlots(slots); err != nil {
		return nil, err
	}

	hdr := &Header{
		Magic:        Magic,
		Version:      Version,
		BlockSize:    BlockSize,
		DeviceSize:   uint64(size),
		LastFATBlock: FirstFATBlock,
	}
	hdr.SetVolumeID(uuid.New())
	if err := v.WriteHeader(hdr); err != nil {
		return nil, err
	}

	// Bootstrap FAT: one block covering [0, RootDirBlock], every index in
	// the bootstrap region marked END since none of header/key-slots/
	// first-FAT/root-dir is ever handed out as a free block.
	boot := &fatBlock{next: int64(FATEnd)}
	for i := 0; i <= RootDirBlock; i++ {
		boot.entries[i] = fatEntryEnd
	}
	if err := v.writeFATBlock(masterKey, FirstFATBlock, boot); err != nil {
		return nil, err
	}

	// Root directory: block RootDirBlock is simultaneously the directory
	// block holding the root's own entry record (at index 0, dot pointing
	// at itself) and the first (only, for now) content block of the root
	// directory's own chain — self-referential, bootstrapped in one shot.
	t := now()
	root := newDirectoryTemplate(RootEntryID)
	root.entries[0] = Entry{
		Used:       true,
		Type:       EntryDirectory,
		StartBlock: RootDirBlock,
		Name:       "",
		Mode:       0o777,
		Atime:      t,
		Mtime:      t,
		Ctime:      t,
	}
	if err := v.writeDirectoryBlock(masterKey, RootDirBlock, root); err != nil {
		return nil, err
	}

	v.Log.Info("formatted volume", "device", v.Device.Path(), "label", opts.Label, "volume_id", hdr.VolumeID())
	return masterKey, nil
}

func writeKeyFiles(pubPath, privPath string, rsaKey *rsa.PrivateKey, passphrase []byte) error {
	pubPEM, err := keycrypto.EncodePublicPEM(&rsaKey.PublicKey)
	if err != nil {
		return newError(KindCipher, "encoding public key", err)
	}
	privPEM, err := keycrypto.EncodePrivatePEM(rsaKey, passphrase)
	if err != nil {
		return newError(KindCipher, "encoding private key", err)
	}
	if dir := filepath.Dir(pubPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return newError(KindIO, "creating "+dir, err)
		}
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return newError(KindIO, "writing public key", err)
	}
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return newError(KindIO, "writing private key", err)
	}
	return nil
}

// AddUser wraps the volume's master key under otherPub's RSA key and
// stores it in the first free slot. myPriv must match an
// already-occupied slot.
func (v *Volume) AddUser(otherPub *rsa.PublicKey, myPriv *rsa.PrivateKey) error {
	hdr, err := v.ReadHeader()
	if err != nil {
		return err
	}
	if !hdr.IsFormatted() {
		return newError(KindInvalid, "device is not formatted", nil)
	}
	slots, err := v.ReadKeySlots()
	if err != nil {
		return err
	}
	if FindSlotByPublicKey(slots, otherPub) != -1 {
		return newError(KindExists, "user already present", nil)
	}
	myIdx := FindMatchingSlot(slots, myPriv)
	if myIdx == -1 {
		return newError(KindNotFound, "caller's key does not match any occupied slot", nil)
	}
	masterKey, err := UnwrapFromSlot(slots[myIdx], myPriv)
	if err != nil {
		return err
	}
	defer zero(masterKey)

	idx, err := WrapIntoSlot(slots, otherPub, masterKey)
	if err != nil {
		return err
	}
	if err := v.WriteKeySlot(idx, slots[idx]); err != nil {
		return err
	}
	v.Log.Info("added user", "slot", idx)
	return nil
}

// RemoveUser clears victimPub's slot. It refuses to remove
// the last remaining occupied slot. Removing the caller's own slot
// requires confirm to return true; the caller (the CLI) is responsible
// for obtaining that confirmation interactively.
func (v *Volume) RemoveUser(myPriv *rsa.PrivateKey, victimPub *rsa.PublicKey, confirm func() bool) error {
	hdr, err := v.ReadHeader()
	if err != nil {
		return err
	}
	if !hdr.IsFormatted() {
		return newError(KindInvalid, "device is not formatted", nil)
	}
	slots, err := v.ReadKeySlots()
	if err != nil {
		return err
	}
	myIdx := FindMatchingSlot(slots, myPriv)
	if myIdx == -1 {
		return newError(KindNotFound, "caller's key does not match any occupied slot", nil)
	}
	victimIdx := FindSlotByPublicKey(slots, victimPub)
	if victimIdx == -1 {
		return newError(KindNotFound, "target user not present", nil)
	}
	if OccupiedSlots(slots) <= 1 {
		return newError(KindInvalid, "refusing to remove the last remaining user", nil)
	}
	if myIdx == victimIdx {
		if confirm == nil || !confirm() {
			return newError(KindPermission, "self-removal requires confirmation", nil)
		}
	}
	empty := &KeySlot{}
	if err := v.WriteKeySlot(victimIdx, empty); err != nil {
		return err
	}
	v.Log.Info("removed user", "slot", victimIdx)
	return nil
}

// Unlock finds the slot matching myPriv and unwraps the master key.
func (v *Volume) Unlock(myPriv *rsa.PrivateKey) ([]byte, error) {
	hdr, err := v.ReadHeader()
	if err != nil {
		return nil, err
	}
	if !hdr.IsFormatted() {
		return nil, newError(KindInvalid, "device is not a SherlockFS volume (magic mismatch)", nil)
	}
	slots, err := v.ReadKeySlots()
	if err != nil {
		return nil, err
	}
	idx := FindMatchingSlot(slots, myPriv)
	if idx == -1 {
		return nil, newError(KindNotFound, "no key slot matches the supplied private key", nil)
	}
	return UnwrapFromSlot(slots[idx], myPriv)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
