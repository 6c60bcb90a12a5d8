package loader

import "fmt"

// hashBucketCount is the number of LdrpHashTable buckets. module.h declares
// module_init_ldrp_hash_table/module_link_to_hash_table but the reference
// source available here never defines their bodies, so the table shape and
// hash function below are our own: a fixed 32-bucket array of LIST_ENTRY
// heads, living in the loader heap rather than inside ntdll's own data
// section (we never ship a real ntdll image to hold one).
const hashBucketCount = 32

// InitLdrpHashTable allocates the bucket array. Call once, after ntdll has
// been loaded and before any module is linked into the table.
func (m *Manager) InitLdrpHashTable() error {
	base := m.heapAlloc(hashBucketCount * 8) // each bucket is one LIST_ENTRY
	if base == 0 {
		return fmt.Errorf("loader: out of loader heap initializing hash table")
	}
	m.hashTableVA = base
	for i := uint32(0); i < hashBucketCount; i++ {
		head := base + i*8
		if err := m.writeVirt32(head+0, head); err != nil {
			return err
		}
		if err := m.writeVirt32(head+4, head); err != nil {
			return err
		}
	}
	return nil
}

// ldrpHash rotates-and-adds over the uppercased base name, then reduces mod
// hashBucketCount.
func ldrpHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		h = (h<<5 | h>>27) + uint32(c)
	}
	return h % hashBucketCount
}

// LinkToHashTable splices mod's HashLinks (its LDR_DATA_TABLE_ENTRY+0x3C)
// into the bucket ldrpHash(mod.Name) selects. InitLdrpHashTable must have
// run first.
func (m *Manager) LinkToHashTable(mod *Module) error {
	if m.hashTableVA == 0 {
		return fmt.Errorf("loader: hash table not initialized")
	}
	bucket := m.hashTableVA + ldrpHash(mod.Name)*8
	return m.listInsertTail(bucket, mod.LdrEntryVA+0x3C)
}
