package mls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeCreateGroupAndWelcomeFlow(t *testing.T) {
	ctx := context.Background()
	alice := NewFake("alice")
	bob := NewFake("bob")

	kp, err := bob.GenerateKeyPackage(ctx)
	require.NoError(t, err)

	groupID, welcomes, err := alice.CreateGroup(ctx, "friends", []string{"alice"}, []KeyPackage{kp})
	require.NoError(t, err)
	require.Contains(t, welcomes, "bob")

	info, ok := alice.GroupInfo(ctx, groupID)
	require.True(t, ok)
	require.Equal(t, GroupStateActive, info.State)
	require.Len(t, info.Members, 1)

	bobInfo, err := bob.ProcessWelcome(ctx, welcomes["bob"])
	require.NoError(t, err)
	require.Equal(t, GroupStatePending, bobInfo.State)

	require.NoError(t, bob.AcceptWelcome(ctx, bobInfo.MLSGroupID))
	accepted, ok := bob.GroupInfo(ctx, bobInfo.MLSGroupID)
	require.True(t, ok)
	require.Equal(t, GroupStateActive, accepted.State)
}

func TestFakeProcessWelcomeIsIdempotentOnceActive(t *testing.T) {
	ctx := context.Background()
	alice := NewFake("alice")
	bob := NewFake("bob")

	kp, err := bob.GenerateKeyPackage(ctx)
	require.NoError(t, err)
	_, welcomes, err := alice.CreateGroup(ctx, "friends", []string{"alice"}, []KeyPackage{kp})
	require.NoError(t, err)

	first, err := bob.ProcessWelcome(ctx, welcomes["bob"])
	require.NoError(t, err)
	require.NoError(t, bob.AcceptWelcome(ctx, first.MLSGroupID))

	again, err := bob.ProcessWelcome(ctx, welcomes["bob"])
	require.NoError(t, err)
	require.Equal(t, GroupStateActive, again.State)
}

func TestFakeAddMembersBlocksConcurrentEvolution(t *testing.T) {
	ctx := context.Background()
	alice := NewFake("alice")
	bob := NewFake("bob")
	carol := NewFake("carol")

	bobKP, err := bob.GenerateKeyPackage(ctx)
	require.NoError(t, err)
	groupID, _, err := alice.CreateGroup(ctx, "friends", []string{"alice"}, []KeyPackage{bobKP})
	require.NoError(t, err)

	carolKP, err := carol.GenerateKeyPackage(ctx)
	require.NoError(t, err)

	_, _, err = alice.AddMembers(ctx, groupID, []KeyPackage{carolKP})
	require.NoError(t, err)

	_, err = alice.RenameGroup(ctx, groupID, "new name")
	require.Error(t, err)
	var pending ErrCommitPending
	require.ErrorAs(t, err, &pending)
	require.Equal(t, groupID, pending.GroupID)

	require.NoError(t, alice.MergeCommit(ctx, groupID))
	_, err = alice.RenameGroup(ctx, groupID, "new name")
	require.NoError(t, err)
}

func TestFakeApplicationMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine := NewFake("alice")
	ciphertext, err := engine.EncryptApplicationMessage(ctx, "group1", AppMessage{Kind: 9, Content: "hi"})
	require.NoError(t, err)

	plain, err := engine.DecryptApplicationMessage(ctx, "group1", ciphertext)
	require.NoError(t, err)
	require.Equal(t, 9, plain.Kind)
	require.Equal(t, "hi", plain.Content)
}

func TestFakeExporterSecretIsDeterministicPerGroupAndLabel(t *testing.T) {
	ctx := context.Background()
	engine := NewFake("alice")

	a, err := engine.ExporterSecret(ctx, "group1", "audio-tx", 32)
	require.NoError(t, err)
	b, err := engine.ExporterSecret(ctx, "group1", "audio-tx", 32)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 32)

	c, err := engine.ExporterSecret(ctx, "group1", "audio-rx", 32)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
