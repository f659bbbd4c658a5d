package tracing

import (
    "context"
    "errors"
    "testing"
)

func TestStartSpan_Disabled(t *testing.T) {
    shutdown, err := Setup(false)
    if err != nil { t.Fatalf("setup: %v", err) }
    defer shutdown(context.Background())
    ctx := context.Background()
    got, end := StartSpan(ctx, "engine.apply", "event", "vote")
    if got != ctx { t.Fatalf("disabled tracing must not wrap the context") }
    RecordError(got, errors.New("ignored"))
    end()
}

func TestStartSpan_Enabled(t *testing.T) {
    shutdown, err := Setup(true)
    if err != nil { t.Fatalf("setup: %v", err) }
    defer func() {
        _ = shutdown(context.Background())
        enabled = false
    }()
    ctx, end := StartSpan(context.Background(), "peer.deliver", "from", "b", "odd")
    if ctx == context.Background() { t.Fatalf("expected span context") }
    RecordError(ctx, errors.New("boom"))
    end()
}
