package voice

// ProviderRegistry maps provider ids to their STT/TTS backend pair so each
// session routes to the backend it asked for. Unknown or empty ids fall back
// to the default pair. Registration happens at build time; lookups after that
// are read-only, so no locking.
type ProviderRegistry struct {
	defaultName string
	entries     map[string]providerEntry
}

type providerEntry struct {
	stt STTProvider
	tts TTSProvider
}

func NewProviderRegistry(defaultName string) *ProviderRegistry {
	return &ProviderRegistry{defaultName: defaultName, entries: map[string]providerEntry{}}
}

func (r *ProviderRegistry) Register(name string, stt STTProvider, tts TTSProvider) {
	r.entries[name] = providerEntry{stt: stt, tts: tts}
}

func (r *ProviderRegistry) DefaultName() string { return r.defaultName }

// Lookup resolves a provider pair by id, falling back to the default pair for
// ids the deployment has no backend for.
func (r *ProviderRegistry) Lookup(name string) (STTProvider, TTSProvider) {
	if e, ok := r.entries[name]; ok {
		return e.stt, e.tts
	}
	e := r.entries[r.defaultName]
	return e.stt, e.tts
}
