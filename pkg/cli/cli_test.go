package cli

import (
    "testing"
    "time"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-intergov/pkg/bootstrap"
    "github.com/amirimatin/go-intergov/pkg/gov"
)

func TestParseVote(t *testing.T) {
    v, err := ParseVote("YES")
    require.NoError(t, err)
    require.Equal(t, gov.Yes, v)

    v, err = ParseVote("2/3")
    require.NoError(t, err)
    require.Equal(t, gov.Ratio(2, 3), v)

    for _, bad := range []string{"maybe", "3/2", "1/0", "a/b"} {
        _, err := ParseVote(bad)
        require.Error(t, err, bad)
    }
}

func TestParseExpiration(t *testing.T) {
    e, err := ParseExpiration("never")
    require.NoError(t, err)
    require.True(t, e.IsNever())

    e, err = ParseExpiration("height:42")
    require.NoError(t, err)
    require.Equal(t, gov.AtHeight(42), e)

    at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
    e, err = ParseExpiration("time:" + at.Format(time.RFC3339))
    require.NoError(t, err)
    require.Equal(t, gov.AtTime(at), e)

    _, err = ParseExpiration("block:1")
    require.Error(t, err)
}

func TestParseTally(t *testing.T) {
    tr, err := ParseTally("100000000000000000000000", "5", "0", "1")
    require.NoError(t, err)
    require.Equal(t, "100000000000000000000000", tr.Yes.Dec())
    require.Equal(t, uint64(5), tr.No.Uint64())
    require.True(t, tr.Abstain.IsZero())
    require.Equal(t, uint64(1), tr.NoWithVeto.Uint64())

    _, err = ParseTally("x", "0", "0", "0")
    require.Error(t, err)
}

func TestOverlay_OnlyChangedFlags(t *testing.T) {
    cmd := NewRunCmd()
    require.NoError(t, cmd.Flags().Parse([]string{"--id", "n9", "--proto", "grpc", "--raft"}))

    cfg := bootstrap.Defaults()
    cfg.Listen = "10.0.0.1:17000" // from a file
    f := flagValues(t, cmd)
    overlay(cmd, &cfg, f)
    require.Equal(t, "n9", cfg.NodeID)
    require.Equal(t, "grpc", cfg.Proto)
    require.True(t, cfg.Raft.Enable)
    require.Equal(t, "10.0.0.1:17000", cfg.Listen)
}

// flagValues rebuilds the flag-backed config from parsed flags.
func flagValues(t *testing.T, cmd *cobra.Command) bootstrap.Config {
    t.Helper()
    f := bootstrap.Defaults()
    var err error
    f.NodeID, err = cmd.Flags().GetString("id")
    require.NoError(t, err)
    f.Proto, err = cmd.Flags().GetString("proto")
    require.NoError(t, err)
    f.Raft.Enable, err = cmd.Flags().GetBool("raft")
    require.NoError(t, err)
    f.Listen, err = cmd.Flags().GetString("listen")
    require.NoError(t, err)
    return f
}

func TestCommands_Registered(t *testing.T) {
    root := &cobra.Command{Use: "govctl"}
    AddAll(root)
    for _, name := range []string{"run", "status", "propose", "finalize", "vote", "request-votes", "execute",
        "gov-details", "tally", "members", "proposal", "proposals", "proposal-state", "proposal-states",
        "vote-of", "votes", "outcome", "gov-queries", "acks", "tally-queries", "replica"} {
        c, _, err := root.Find([]string{name})
        require.NoError(t, err, name)
        require.Equal(t, name, c.Name())
    }
}

func TestClientFlags_UnknownProto(t *testing.T) {
    cf := clientFlags{proto: "udp", timeout: time.Second}
    _, _, err := cf.client()
    require.Error(t, err)
}
