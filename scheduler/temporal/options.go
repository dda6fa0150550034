package temporal

import (
	"time"

	"go.temporal.io/sdk/activity"
)

func activityTimeout() time.Duration { return 2 * time.Minute }

func activityRegisterOptions() activity.RegisterOptions {
	return activity.RegisterOptions{Name: DispatchActivityName}
}
