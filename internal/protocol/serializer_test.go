package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/state"
)

func newSerializer(t *testing.T) *MessageSerializer {
	t.Helper()
	ms, err := NewMessageSerializer(64)
	require.NoError(t, err)
	t.Cleanup(ms.Close)
	return ms
}

func TestFrameEnvelope(t *testing.T) {
	ms := newSerializer(t)

	f, err := NewFrame(MsgHandshake, Handshake{Version: 1, Name: "Beep", WorldHash: "abc"})
	require.NoError(t, err)
	f.Seq = 42
	f.Tick = 7

	decoded, err := ms.Decode(ms.Encode(f))
	require.NoError(t, err)
	assert.Equal(t, MsgHandshake, decoded.Type)
	assert.Equal(t, uint32(42), decoded.Seq)
	assert.Equal(t, uint64(7), decoded.Tick)
	assert.True(t, decoded.Reliable())

	var hs Handshake
	require.NoError(t, decoded.Unmarshal(&hs))
	assert.Equal(t, "Beep", hs.Name)
}

func TestLargeBodiesCompressed(t *testing.T) {
	ms := newSerializer(t)
	entities := make([]*state.EntityState, 0, 50)
	for i := 1; i <= 50; i++ {
		entities = append(entities, &state.EntityState{ID: state.EntityID(i), Type: state.EntityNPC, Health: 10, MaxHealth: 10, Owner: state.ServerOwner})
	}
	f, err := NewFrame(MsgWorldSnapshot, WorldSnapshot{Tick: 3, Entities: entities})
	require.NoError(t, err)

	wire := ms.Encode(f)
	assert.Less(t, len(wire), len(f.Body), "тело должно сжиматься")

	decoded, err := ms.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), decoded.Flags&FlagCompressed)
	assert.Equal(t, f.Body, decoded.Body)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	ms := newSerializer(t)
	_, err := ms.Decode([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ms.Decode(nil)
	assert.ErrorIs(t, err, ErrMalformed, "кадр без типа")
}

func TestLengthPrefixedStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one")))
	require.NoError(t, WriteFrame(&buf, []byte("two")))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))
	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(second))

	oversized := []byte{0xff, 0xff, 0xff, 0x7f}
	_, err = ReadFrame(bytes.NewReader(oversized))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCommandSchema(t *testing.T) {
	cs, err := NewCommandSchema()
	require.NoError(t, err)

	t.Run("valid move", func(t *testing.T) {
		cmd, err := cs.Parse(Command{Kind: authority.KindMove, Body: json.RawMessage(`{"entity":3,"to":{"x":1,"y":0,"z":2},"rot":0.5}`)})
		require.NoError(t, err)
		mv, ok := cmd.(authority.Move)
		require.True(t, ok)
		assert.Equal(t, state.EntityID(3), mv.Entity)
		assert.Equal(t, 2.0, mv.To.Z)
	})

	t.Run("missing field", func(t *testing.T) {
		_, err := cs.Parse(Command{Kind: authority.KindAttack, Body: json.RawMessage(`{"attacker":1}`)})
		assert.Error(t, err)
	})

	t.Run("negative drop", func(t *testing.T) {
		_, err := cs.Parse(Command{Kind: authority.KindDrop, Body: json.RawMessage(`{"actor":1,"item":"medkit","amount":-1}`)})
		assert.Error(t, err)
	})

	t.Run("chat too long", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"text": strings.Repeat("a", 300)})
		_, err := cs.Parse(Command{Kind: authority.KindChat, Body: body})
		assert.Error(t, err)
	})

	t.Run("server-only kinds", func(t *testing.T) {
		_, err := cs.Parse(Command{Kind: authority.KindSpawn, Body: json.RawMessage(`{}`)})
		assert.Error(t, err)
		_, err = DecodeCommand(Command{Kind: authority.KindDespawn, Body: json.RawMessage(`{"entities":[1]}`)})
		assert.Error(t, err)
	})

	t.Run("squad spawn", func(t *testing.T) {
		cmd, err := cs.Parse(Command{Kind: authority.KindSpawnRequest, Body: json.RawMessage(`{"type":2,"pos":{"x":4,"y":0,"z":1},"template":"wolf"}`)})
		require.NoError(t, err)
		sr, ok := cmd.(authority.SpawnRequest)
		require.True(t, ok)
		assert.Equal(t, state.EntityNPC, sr.Type)
		assert.Equal(t, "wolf", sr.Template)

		_, err = cs.Parse(Command{Kind: authority.KindSpawnRequest, Body: json.RawMessage(`{"type":4,"pos":{"x":0,"y":0,"z":0}}`)})
		assert.Error(t, err, "здания клиент не создаёт")
		_, err = cs.Parse(Command{Kind: authority.KindSpawnRequest, Body: json.RawMessage(`{"type":1}`)})
		assert.Error(t, err)
	})

	t.Run("squad despawn", func(t *testing.T) {
		cmd, err := cs.Parse(Command{Kind: authority.KindDespawnRequest, Body: json.RawMessage(`{"entities":[7,8]}`)})
		require.NoError(t, err)
		assert.Equal(t, []state.EntityID{7, 8}, cmd.(authority.DespawnRequest).Entities)

		_, err = cs.Parse(Command{Kind: authority.KindDespawnRequest, Body: json.RawMessage(`{"entities":[]}`)})
		assert.Error(t, err)
	})

	t.Run("trade offer", func(t *testing.T) {
		cmd, err := cs.Parse(Command{Kind: authority.KindUpdateOffer, Body: json.RawMessage(`{"trade":"t1","items":{"ItemX":1}}`)})
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"ItemX": 1}, cmd.(authority.UpdateOffer).Items)
	})
}

func TestMessageNames(t *testing.T) {
	assert.Equal(t, "TickDeltas", MsgTickDeltas.String())
	assert.Equal(t, "MessageType(0xEE)", MessageType(0xEE).String())
	assert.False(t, MessageType(0xEE).Known())
	assert.Equal(t, "bad token", RejectBadToken.String())
}
