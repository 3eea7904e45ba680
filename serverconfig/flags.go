package serverconfig

import "context"

// Value is the set of types a feature flag can hold.
type Value interface {
	~bool | ~int | ~string
}

// Flag names a feature flag. Flags that are not remotely configured always
// return their default.
type Flag struct {
	Name               string
	RemotelyConfigured bool
}

var (
	CipherKeyEncryption     = Flag{Name: "cipher-key-encryption", RemotelyConfigured: true}
	EnableAuthenticatorSync = Flag{Name: "enable-pm-bwa-sync", RemotelyConfigured: true}
	NativeCreateAccountFlow = Flag{Name: "native-create-account-flow", RemotelyConfigured: true}
	RefactorSSOService      = Flag{Name: "refactor-sso-service", RemotelyConfigured: false}
	TestRemoteFeatureFlag   = Flag{Name: "test-remote-feature-flag", RemotelyConfigured: true}
)

// KnownFlags lists every declared flag.
var KnownFlags = []Flag{CipherKeyEncryption, EnableAuthenticatorSync, NativeCreateAccountFlow, RefactorSSOService, TestRemoteFeatureFlag}

// LookupFlag finds a declared flag by name. Unknown names are treated as
// remotely configured.
func LookupFlag(name string) Flag {
	for _, f := range KnownFlags {
		if f.Name == name {
			return f
		}
	}
	return Flag{Name: name, RemotelyConfigured: true}
}

// FeatureFlag returns the active user's value for flag, or def when the
// flag is absent, of another type, not remotely configured, or no config
// is available. A locally forced value wins for boolean flags.
func FeatureFlag[T Value](ctx context.Context, s *Service, flag Flag, def T, forceRefresh bool) T {
	if v, ok := debugOverride[T](s, flag); ok {
		return v
	}
	if !flag.RemotelyConfigured {
		return def
	}
	return evalFlag(s, s.GetConfig(ctx, forceRefresh, false), flag, def)
}

func evalFlag[T Value](s *Service, cfg *ServerConfig, flag Flag, def T) T {
	if v, ok := debugOverride[T](s, flag); ok {
		return v
	}
	if !flag.RemotelyConfigured {
		return def
	}
	if v, ok := flagValue[T](cfg, flag.Name); ok {
		return v
	}
	return def
}

func debugOverride[T Value](s *Service, flag Flag) (T, bool) {
	var zero T
	if _, isBool := any(zero).(bool); !isBool {
		return zero, false
	}
	forced, err := s.settings.DebugFeatureFlag(flag.Name)
	if err != nil {
		s.logger.Warn("reading debug flag", "flag", flag.Name, "error", err)
		return zero, false
	}
	if forced == nil {
		return zero, false
	}
	v, _ := any(*forced).(T)
	return v, true
}
