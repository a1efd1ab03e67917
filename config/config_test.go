package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beast-69-bot/azmegadownloader/config"
)

func TestFromStringAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.FromString(`
scratch_base_dir: /var/lib/bot/scratch
db_path: /var/lib/bot/bot.db
owner_id: 12345
`)
	require.NoError(t, err)
	require.Equal(t, "creds", cfg.CredsDir)
	require.Equal(t, config.DefaultMaxConcurrentTasks, cfg.MaxConcurrentTasks)
	require.Equal(t, config.DefaultPerOwnerTasks, cfg.PerOwnerTasks)
	require.Equal(t, config.DefaultFreeDailyQuota, cfg.FreeDailyQuota)
}

func TestFromStringFull(t *testing.T) {
	t.Parallel()

	cfg, err := config.FromString(`
scratch_base_dir: /scratch
db_path: /data/bot.db
creds_dir: /data/creds
owner_id: 1
authorized_chat_ids: [100, 200]
max_concurrent_tasks: 8
per_owner_tasks: 2
free_daily_quota: 10
`)
	require.NoError(t, err)
	require.Equal(t, []int64{100, 200}, cfg.AuthorizedChatIDs)
	require.Equal(t, 8, cfg.MaxConcurrentTasks)
	require.Equal(t, 2, cfg.PerOwnerTasks)
	require.Equal(t, 10, cfg.FreeDailyQuota)
}

func TestFromStringValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing_scratch_dir", yaml: "db_path: /x\nowner_id: 1"},
		{name: "missing_db_path", yaml: "scratch_base_dir: /x\nowner_id: 1"},
		{name: "missing_owner", yaml: "scratch_base_dir: /x\ndb_path: /y"},
		{name: "negative_limit", yaml: "scratch_base_dir: /x\ndb_path: /y\nowner_id: 1\nmax_concurrent_tasks: -1"},
		{name: "not_yaml", yaml: "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.FromString(tt.yaml)
			require.Error(t, err)
		})
	}
}
