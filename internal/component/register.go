package component

import (
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/pool"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// PoolOptions configures the per-kind instance pools.
type PoolOptions struct {
	Debug    bool
	Prealloc int
}

// RegisterAll binds every component kind into reg. Call once at startup,
// before Freeze.
func RegisterAll(reg *registry.Registry, log *zap.Logger, opts PoolOptions) error {
	bridges := []*registry.Bridge{
		bind(TransformID, "Transform", TransformCodec, log, opts, nil, registry.WithClass(gate.ClassFrame)),
		bind(MeshRendererID, "MeshRenderer", MeshRendererCodec, log, opts, nil,
			registry.WithAssetRef(func(m *MeshRenderer) string {
				if m.Shape != MeshModel {
					return ""
				}
				return m.Src
			})),
		bind(MaterialID, "Material", MaterialCodec, log, opts, nil,
			registry.WithAssetRef(func(m *Material) string { return m.TextureURL })),
		bind(TextShapeID, "TextShape", TextShapeCodec, log, opts, nil),
		bind(PointerEventsID, "PointerEvents", PointerEventsCodec, log, opts,
			func(p *PointerEvents) { clear(p.Events); p.Events = p.Events[:0] }),
		bind(PointerEventsResultID, "PointerEventsResult", PointerEventsResultCodec, log, opts,
			func(p *PointerEventsResult) { p.Hits = p.Hits[:0] },
			registry.ResultOnly(), registry.AppendMode()),
		bind(BillboardID, "Billboard", BillboardCodec, log, opts, nil),
		bind(AudioSourceID, "AudioSource", AudioSourceCodec, log, opts, nil,
			registry.WithAssetRef(func(a *AudioSource) string { return a.Clip })),
		bind(TweenID, "Tween", TweenCodec, log, opts, nil, registry.WithClass(gate.ClassThrottled)),
		bind(SceneLogID, "SceneLog", SceneLogCodec, log, opts,
			func(l *SceneLog) { clear(l.Lines); l.Lines = l.Lines[:0] },
			registry.AppendMode(), registry.WithClass(gate.ClassThrottled)),
	}
	for _, b := range bridges {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func bind[T any](id wire.ComponentID, name string, c codec[T], log *zap.Logger, opts PoolOptions, reset func(*T), bopts ...registry.Option) *registry.Bridge {
	popts := []pool.Option[T]{pool.WithDebug[T](opts.Debug)}
	if opts.Prealloc > 0 {
		popts = append(popts, pool.WithPrealloc[T](opts.Prealloc))
	}
	if reset != nil {
		popts = append(popts, pool.WithReset(reset))
	}
	p := pool.New[T](name, log, popts...)
	return registry.Bind[T](id, name, c, p, nil, bopts...)
}
