// ABOUTME: Links managed wrapper objects to the native objects they stand for
// ABOUTME: Tries the configured strategies in order: instance id, then cached pointer

package crawler

import (
	"github.com/go-kit/log/level"
)

// linker holds the resolved field offsets of the engine base type.
type linker struct {
	baseType         int32
	instanceIDOffset int
	cachedPtrOffset  int
	hasInstanceID    bool
	hasCachedPtr     bool
}

func (c *Crawler) newLinker() (linker, bool) {
	types, fields := &c.snap.Types, &c.snap.Fields
	base, ok := types.IndexByName(c.cfg.EngineBaseType)
	if !ok {
		return linker{}, false
	}
	l := linker{baseType: base}
	for _, f := range types.InstanceFields(base) {
		switch fields.Names[f] {
		case c.cfg.InstanceIDField:
			l.instanceIDOffset, l.hasInstanceID = int(fields.Offsets[f]), true
		case c.cfg.CachedPtrField:
			l.cachedPtrOffset, l.hasCachedPtr = int(fields.Offsets[f]), true
		}
	}
	return l, l.hasInstanceID || l.hasCachedPtr
}

// linkNative pairs every crawled object deriving from the engine base type
// with its native object. Objects whose fields are unreadable or whose
// native counterpart is missing stay unlinked.
func (c *Crawler) linkNative() {
	if len(c.cfg.LinkStrategies) == 0 {
		return
	}
	l, ok := c.newLinker()
	if !ok {
		level.Debug(c.logger).Log("msg", "native linking skipped", "engine_base_type", c.cfg.EngineBaseType)
		return
	}
	h := c.heap
	types := &c.snap.Types
	for i := range h.Objects {
		o := &h.Objects[i]
		if !o.Known() || o.DuplicateOf >= 0 || o.Address == 0 || !types.Derives(o.TypeIndex, l.baseType) {
			continue
		}
		for _, s := range c.cfg.LinkStrategies {
			n, found := c.resolveNative(l, s, o.Address)
			if !found {
				continue
			}
			o.NativeIndex = n
			h.NativeToManaged[n] = int32(i)
			h.Connections = append(h.Connections, Connection{Kind: NativeToManaged, From: n, To: int32(i), Field: -1, ArrayIndex: -1})
			h.Stats.NativeLinks[s]++
			c.metrics.nativeLinks.WithLabelValues(string(s)).Inc()
			break
		}
	}
}

func (c *Crawler) resolveNative(l linker, s LinkStrategy, addr uint64) (int32, bool) {
	natives := &c.snap.NativeObjects
	switch s {
	case LinkByInstanceID:
		if !l.hasInstanceID {
			return -1, false
		}
		cur, ok := c.snap.Find(addr + uint64(l.instanceIDOffset))
		if !ok {
			return -1, false
		}
		id, err := cur.ReadInt32()
		if err != nil {
			return -1, false
		}
		return natives.IndexByInstanceID(id)
	case LinkByCachedPtr:
		if !l.hasCachedPtr {
			return -1, false
		}
		cur, ok := c.snap.Find(addr + uint64(l.cachedPtrOffset))
		if !ok {
			return -1, false
		}
		ptr, err := cur.ReadPointer()
		if err != nil {
			return -1, false
		}
		return natives.IndexByAddress(ptr)
	default:
		return -1, false
	}
}
