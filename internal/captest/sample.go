// ABOUTME: A small but complete capture shared by format, inspector and CLI tests
// ABOUTME: Covers statics, strings, arrays, linked natives, root references, stacks and allocation sites

package captest

import (
	"encoding/binary"
	"testing"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

// Scene names the rows and addresses of the sample capture.
type Scene struct {
	Core Core

	EngineObject int32
	Player       int32
	Item         int32
	ItemArray    int32

	PlayerAddr    uint64
	NameAddr      uint64
	InventoryAddr uint64
	ItemAddrs     [2]uint64

	Hero    int32
	Texture int32
}

// Sample lays out a player with a name, an inventory array of two items and
// a linked native object. The player is held by one GC handle and by the
// static Game.Player.s_Main.
func Sample() (*Builder, Scene) {
	b := New(memory.Layout64)
	var s Scene
	s.Core = b.Core()
	core := s.Core

	s.EngineObject = b.Type("UnityEngine.Object", 0, core.Object, 32)
	b.Field(s.EngineObject, "m_CachedPtr", 16, core.IntPtr, false)
	b.Field(s.EngineObject, "m_InstanceID", 24, core.Int32, false)

	s.Item = b.Type("Game.Item", 0, core.Object, 24)
	b.Field(s.Item, "m_Weight", 16, core.Int32, false)
	s.ItemArray = b.Type("Game.Item[]", snapshot.ArrayFlags(1), s.Item, 32)

	s.Player = b.Type("Game.Player", 0, s.EngineObject, 48)
	b.Field(s.Player, "m_Name", 32, core.String, false)
	b.Field(s.Player, "m_Inventory", 40, s.ItemArray, false)
	b.Field(s.Player, "s_Main", 0, s.Player, true)

	heroType := b.NativeType("MonoBehaviour")
	textureType := b.NativeType("Texture2D")
	s.Hero = b.Native("Hero", heroType, 42, 0x5000, 512)
	s.Texture = b.Native("Orphan texture", textureType, 43, 0x6000, 4096)
	b.RootReference(7, "Objects", "Hero", 512)
	b.AccountTo(s.Hero, 7)

	s.PlayerAddr = b.Object(s.Player)
	s.NameAddr = b.String(core.String, "hero")
	s.InventoryAddr = b.Array(s.ItemArray, 2, 8)
	for i := range s.ItemAddrs {
		s.ItemAddrs[i] = b.Object(s.Item)
		b.PutInt32(s.ItemAddrs[i]+16, int32(10*(i+1)))
		b.PutPointer(s.InventoryAddr+32+uint64(8*i), s.ItemAddrs[i])
	}
	b.PutPointer(s.PlayerAddr+16, 0x5000)
	b.PutInt32(s.PlayerAddr+24, 42)
	b.PutPointer(s.PlayerAddr+32, s.NameAddr)
	b.PutPointer(s.PlayerAddr+40, s.InventoryAddr)

	static := make([]byte, 8)
	binary.LittleEndian.PutUint64(static, s.PlayerAddr)
	b.StaticBytes(s.Player, static)

	b.Handle(s.PlayerAddr)

	// Hero holds the texture natively; unified indices follow the one handle.
	b.Connection(1+s.Hero, 1+s.Texture)

	stack := make([]byte, 16)
	binary.LittleEndian.PutUint64(stack, s.PlayerAddr)
	b.Stack(0x20000000, stack)

	b.Symbol(0xa0, "Game.Player:Awake()")
	b.Symbol(0xb0, "UnityEngine.Object:Instantiate()")
	b.AllocationSite(1, b.MemoryLabel("ScriptingNativeRuntime"), 0xa0, 0xb0)
	return b, s
}

// MustSample builds the sample capture.
func MustSample(t testing.TB) (*snapshot.Snapshot, Scene) {
	t.Helper()
	b, s := Sample()
	return b.MustBuild(t), s
}
